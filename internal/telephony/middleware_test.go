package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func signRequest(authToken, requestURL string, params map[string]string) string {
	data := requestURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	params := map[string]string{"From": "+15551234567", "To": "+15557654321"}
	sig := signRequest("token", "https://example.com/twilio/voice", params)

	if !validateSignature("token", sig, "https://example.com/twilio/voice", params) {
		t.Fatalf("expected valid signature accepted")
	}
	if validateSignature("token", sig, "https://example.com/twilio/other", params) {
		t.Fatalf("expected different URL rejected")
	}
	if validateSignature("wrong", sig, "https://example.com/twilio/voice", params) {
		t.Fatalf("expected wrong token rejected")
	}
	if validateSignature("token", "", "https://example.com/twilio/voice", params) {
		t.Fatalf("expected empty signature rejected")
	}
	if validateSignature("", sig, "https://example.com/twilio/voice", params) {
		t.Fatalf("expected empty token rejected")
	}
}

func newAuthEcho(authToken string) *echo.Echo {
	e := echo.New()
	e.Use(AuthMiddleware(authToken))
	e.POST("/twilio/voice", func(c echo.Context) error {
		params, _ := c.Get("twilioParams").(map[string]string)
		return c.String(http.StatusOK, params["From"])
	})
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func TestAuthMiddleware_AcceptsSignedRequest(t *testing.T) {
	e := newAuthEcho("token")

	form := url.Values{"From": {"+15551234567"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Host = "example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature",
		signRequest("token", "https://example.com/twilio/voice", map[string]string{"From": "+15551234567"}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "+15551234567" {
		t.Fatalf("expected params stored in context, got %q", rec.Body.String())
	}
}

func TestAuthMiddleware_RejectsBadSignature(t *testing.T) {
	e := newAuthEcho("token")

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader("From=%2B15551234567"))
	req.Host = "example.com"
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set("X-Twilio-Signature", "forged")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_IgnoresOtherPaths(t *testing.T) {
	e := newAuthEcho("token")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingTokenIsServerError(t *testing.T) {
	e := newAuthEcho("")

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
