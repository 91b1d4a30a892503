package middleware

import (
	"log/slog"
	"net/http"

	"github.com/flowpbx/voicerelay/internal/twilio"
)

// RequireTwilioSignature rejects requests whose X-Twilio-Signature does not
// match authToken. publicURL returns the URL Twilio requested, which differs
// from r.URL behind a proxy.
func RequireTwilioSignature(authToken string, publicURL func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				writeError(w, http.StatusBadRequest, "invalid form body")
				return
			}

			signature := r.Header.Get(twilio.SignatureHeader)
			params := r.PostForm
			if r.Method == http.MethodGet {
				params = nil
			}
			if signature == "" || !twilio.ValidSignature(authToken, publicURL(r), params, signature) {
				slog.Warn("twilio signature rejected",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeError(w, http.StatusForbidden, "invalid twilio signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
