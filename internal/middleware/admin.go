package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	apierrors "keybroker/internal/errors"
)

// RequireAdminToken guards operator routes with a static bearer token.
// With an empty token the routes are disabled and always answer 403.
func RequireAdminToken(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token == "" {
				logger.WarnContext(ctx, "admin route disabled",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				writeAdminProblem(w, r, http.StatusForbidden, apierrors.TypeForbidden,
					"Admin routes are disabled on this server")
				return
			}

			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.WarnContext(ctx, "admin authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				w.Header().Set("WWW-Authenticate", `Bearer realm="keybroker-admin"`)
				writeAdminProblem(w, r, http.StatusUnauthorized, apierrors.TypeUnauthorized,
					"A valid admin bearer token is required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAdminProblem(w http.ResponseWriter, r *http.Request, status int, problemType, detail string) {
	problem := apierrors.NewProblemDetails(status, problemType, http.StatusText(status), detail, r.URL.Path).
		WithExtension("trace_id", GetRequestID(r.Context()))
	apierrors.WriteProblem(w, problem)
}
