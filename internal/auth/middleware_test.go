package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.RegisteredClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", Middleware(opts), func(c *gin.Context) {
		id, _ := OperatorID(c.Request.Context())
		c.String(http.StatusOK, id)
	})
	return router
}

func call(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestMiddlewareInjectsOperator(t *testing.T) {
	router := newRouter(Options{Secret: testSecret, Audience: "palm-gateway"})
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "operator-7",
		Audience:  jwt.ClaimStrings{"palm-gateway"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, testSecret)

	resp := call(router, "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "operator-7" {
		t.Fatalf("unexpected operator: %s", resp.Body.String())
	}
}

func TestMiddlewareRejects(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "op", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	cases := map[string]struct {
		opts   Options
		header string
	}{
		"no header":      {Options{Secret: testSecret}, ""},
		"wrong scheme":   {Options{Secret: testSecret}, "Basic abc"},
		"empty token":    {Options{Secret: testSecret}, "Bearer  "},
		"wrong secret":   {Options{Secret: testSecret}, "Bearer " + signToken(t, valid, "other")},
		"no secret":      {Options{}, "Bearer " + signToken(t, valid, testSecret)},
		"wrong audience": {Options{Secret: testSecret, Audience: "palm-gateway"}, "Bearer " + signToken(t, valid, testSecret)},
		"expired": {Options{Secret: testSecret}, "Bearer " + signToken(t, jwt.RegisteredClaims{
			Subject:   "op",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}, testSecret)},
		"no subject": {Options{Secret: testSecret}, "Bearer " + signToken(t, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}, testSecret)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := call(newRouter(tc.opts), tc.header)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
			}
		})
	}
}

func TestOperatorIDMissing(t *testing.T) {
	if _, ok := OperatorID(context.Background()); ok {
		t.Fatal("expected no operator on empty context")
	}
	if id, ok := OperatorID(WithOperatorID(context.Background(), "op-1")); !ok || id != "op-1" {
		t.Fatalf("unexpected operator: %q", id)
	}
}
