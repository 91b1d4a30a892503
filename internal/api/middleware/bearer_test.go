package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("control-secret")

func bearerHandler(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var subject string
	h := RequireBearer(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = CallerSubject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &subject
}

func TestRequireBearerValidToken(t *testing.T) {
	handler, subject := bearerHandler(t)

	token, expiresAt, err := IssueControlToken(testSecret, "crm", time.Hour)
	if err != nil {
		t.Fatalf("IssueControlToken: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	req := httptest.NewRequest(http.MethodPost, "/makecall", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if *subject != "crm" {
		t.Fatalf("expected subject crm, got %q", *subject)
	}
}

func TestRequireBearerRejects(t *testing.T) {
	expired, _, _ := IssueControlToken(testSecret, "crm", -time.Minute)
	wrongKey, _, _ := IssueControlToken([]byte("other"), "crm", time.Hour)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "crm"}).SignedString(testSecret)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "crm",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
		{"no expiry", "Bearer " + noExpiry},
		{"alg none", "Bearer " + none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := bearerHandler(t)
			req := httptest.NewRequest(http.MethodPost, "/makecall", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}
