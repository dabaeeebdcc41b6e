package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/erikjohnston/github-matrix-project-bot/internal/utils"
)

// SignatureHeader carries the HMAC GitHub computes over a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

const maxWebhookBody = 25 << 20

// VerifySignatureMiddleware rejects requests whose body is not signed with
// secret. An empty secret disables the check.
func VerifySignatureMiddleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			if err != nil {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			if !utils.ValidSignature(bodyBytes, secret, r.Header.Get(SignatureHeader)) {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
