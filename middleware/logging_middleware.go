package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"patchwire/message"
)

func LoggingMiddleware(l *zap.Logger) Middleware {
	log := l.Named("request").Sugar()
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []any{
				"session", Session(ctx),
				"action", req.Action,
				"duration", time.Since(start),
			}
			if resp == nil || !resp.Success {
				if resp != nil {
					fields = append(fields, "message", resp.Text())
				}
				log.Warnw("action failed", fields...)
				return resp
			}
			log.Debugw("action served", fields...)
			return resp
		}
	}
}
