package server

import (
	"context"
	"net/http"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDHeader carries the request ULID on every response.
const RequestIDHeader = "X-Request-ID"

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRecovery turns a handler panic into a 500 with the error envelope.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				err := scierrors.NewPanicError(r.Method+" "+r.URL.Path, v)
				s.logger.Error("handler panic", err, log.RequestIDKey, requestID(r.Context()))
				writeError(w, err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
