// Package middleware provides HTTP middleware components for the prediction
// and evaluation API.
//
// Available middleware:
//   - RateLimiter: per-client rate limiting using a token bucket
//   - CORS: cross-origin headers and preflight handling
//   - RequestLogger: request IDs and access logging
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = middleware.RequestLogger(log)(middleware.CORS(origins)(rl.Middleware(mux)))
package middleware
