package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"patchwire/message"
)

// RateLimitMiddleware admits r requests per second with the given burst,
// shared by every connection it wraps. Rejected requests get a failure
// response and the connection stays open.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure("Rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
