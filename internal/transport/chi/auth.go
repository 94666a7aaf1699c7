package chi

import (
	"net"
	"net/http"
)

// trustGate is the consumer interface over the admin settings store.
type trustGate interface {
	TrustedIPs() []string
	IsTrustedIP(ip string) bool
}

// TrustedIPMiddleware returns a middleware that restricts access to the
// configured trusted client addresses. An empty trusted list disables
// the check (pass-through).
func TrustedIPMiddleware(settings trustGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(settings.TrustedIPs()) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !settings.IsTrustedIP(host) {
				writeError(w, http.StatusForbidden, codeForbidden, "client address is not trusted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
