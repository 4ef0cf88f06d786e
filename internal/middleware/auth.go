package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth gates the operator surface behind a bearer key. Config holds a
// bcrypt hash of the key, never the key itself. An empty hash means the
// surface was never provisioned and every request is refused.
type AdminAuth struct {
	keyHash string
}

func NewAdminAuth(keyHash string) *AdminAuth {
	return &AdminAuth{keyHash: strings.TrimSpace(keyHash)}
}

// Enabled reports whether a key hash was provisioned.
func (a *AdminAuth) Enabled() bool {
	return a.keyHash != ""
}

// Middleware rejects requests that do not present the admin key as
// "Authorization: Bearer <key>".
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeAuthError(w, http.StatusServiceUnavailable, "admin surface not provisioned")
			return
		}

		key, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="forge-admin"`)
			writeAuthError(w, http.StatusUnauthorized, "missing bearer key")
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(a.keyHash), []byte(key)) != nil {
			slog.Warn("Admin key rejected",
				"remote", clientHost(r),
				"path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="forge-admin"`)
			writeAuthError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
