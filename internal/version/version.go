package version

var (
	// Version is the current application version.
	// The build system sets it via ldflags; otherwise it keeps the default below.
	Version = "v0.1.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
