package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader is the dedicated token header, for players that cannot
// set Authorization.
const TokenHeader = "X-Amps-Token"

// openPaths are reachable without a token regardless of configuration.
var openPaths = map[string]bool{
	"/metrics": true,
}

// TokenAuth guards every route behind a shared token. An empty
// configured token disables the check entirely. The token is accepted
// as a bearer credential, in the X-Amps-Token header, or as a ?token=
// query parameter so playlist URLs stay copy-pasteable into players.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !tokenMatches(r, token) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error": "missing or invalid token"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenMatches(r *http.Request, token string) bool {
	var presented string
	switch {
	case r.Header.Get("Authorization") != "":
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	case r.Header.Get(TokenHeader) != "":
		presented = r.Header.Get(TokenHeader)
	default:
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
