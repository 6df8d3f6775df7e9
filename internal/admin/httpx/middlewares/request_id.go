package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/message-sagas/internal/pkg/interceptors/constants"
)

// AttachRequestID copies chi's request id under the key shared with the gRPC
// interceptors and echoes it to the caller. Must run after middleware.RequestID.
func AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		if requestID != "" {
			w.Header().Set(middleware.RequestIDHeader, requestID)
		}

		ctx := context.WithValue(r.Context(), constants.ContextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
