// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig configures a sliding-window rate limiter.
type RateLimitConfig struct {
	RequestLimit int
	WindowSize   time.Duration
	Whitelist    []string
}

// RateLimit returns a sliding-window-counter rate limiter built on
// go-chi/httprate, keyed by client IP.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	limiter := httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cfg.WindowSize.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestLimit))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limit_exceeded","message":"too many requests, try again later"}`))
		}),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.Whitelist) > 0 {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				for _, allowed := range cfg.Whitelist {
					if allowed == ip {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// APIRateLimit returns a rate limiter configured from the hub's
// operator-facing requests-per-second setting, mapped onto httprate's
// one-minute sliding window.
func APIRateLimit(rps, burst int, whitelist []string) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 100
	}
	_ = burst // httprate's sliding window has no separate burst knob; rps*60 already admits bursts within the window
	return RateLimit(RateLimitConfig{
		RequestLimit: rps * 60,
		WindowSize:   time.Minute,
		Whitelist:    whitelist,
	})
}
