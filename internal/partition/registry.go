// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package partition implements PartitionManager: the acquire/renew
// loop pair that keeps a worker's set of owned partitions balanced
// against its peers.
package partition

import (
	"context"
	"fmt"
	"sync"
)

// goroutineRegistry tracks manager-owned background goroutines and
// provides a bounded join on shutdown. Grounded on
// internal/domain/session/manager/session_registry.go's
// sessionRegistry, generalized from session workers to the acquire and
// renew loops.
type goroutineRegistry struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func (r *goroutineRegistry) Go(fn func()) bool {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *goroutineRegistry) CloseAndWait(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("partition manager: loop drain timeout: %w", ctx.Err())
	}
}
