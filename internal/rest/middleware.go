// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-psa.
//
// go-psa is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/metrics"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

type outcomeKey struct{}

// outcome carries what a handler learned about a request back to the
// access log.
type outcome struct {
	psaStatus string
}

// recordStatus notes the PSA status of a failed operation for the access
// log of r. It is a no-op outside LoggingMiddleware.
func recordStatus(r *http.Request, err error) {
	if o, ok := r.Context().Value(outcomeKey{}).(*outcome); ok {
		o.psaStatus = types.StatusString(err)
	}
}

// LoggingMiddleware writes one access log entry per request with the route
// pattern, the key id when the route has one and the PSA status of a failed
// operation. Server errors are logged at error level.
func (s *Server) LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			o := &outcome{}
			r = r.WithContext(context.WithValue(r.Context(), outcomeKey{}, o))
			ctx := r.Context()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			s.logger.DebugContext(ctx, "Request started",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path))

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logger.Field{
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.String("route", metrics.RoutePattern(r)),
				logger.Int("status", status),
				logger.Int("bytes", ww.BytesWritten()),
				logger.String("duration", time.Since(start).String()),
			}
			if id := chi.URLParam(r, "id"); id != "" {
				fields = append(fields, logger.String("key_id", id))
			}
			if o.psaStatus != "" {
				fields = append(fields, logger.String("psa_status", o.psaStatus))
			}
			if status >= http.StatusInternalServerError {
				s.logger.ErrorContext(ctx, "Request completed", fields...)
				return
			}
			s.logger.InfoContext(ctx, "Request completed", fields...)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func (s *Server) RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					s.logger.ErrorContext(r.Context(), "Panic recovered",
						logger.String("method", r.Method),
						logger.String("path", r.URL.Path),
						logger.String("route", metrics.RoutePattern(r)),
						logger.Any("error", err))
					writeErrorWithMessage(w, ErrInternalError, "An unexpected error occurred", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
