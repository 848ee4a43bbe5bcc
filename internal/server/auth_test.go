package server

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestBearerAuthPrincipal(t *testing.T) {
	a := newBearerAuth("/v0", AuthConfig{JWTSecret: "s3cret"})
	sign := func(method jwt.SigningMethod, claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte("s3cret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	good := sign(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "scopes": []string{"tasks:write"}, "exp": time.Now().Add(time.Minute).Unix()})

	p, err := a.principal("Bearer " + good)
	if err != nil || p.Subject != "ops" || len(p.Scopes) != 1 || p.Scopes[0] != "tasks:write" {
		t.Fatalf("unexpected principal %+v %v", p, err)
	}
	if _, err := a.principal(""); !errors.Is(err, errNoCredentials) {
		t.Fatalf("missing header should ask for credentials, got %v", err)
	}
	if _, err := a.principal("Basic " + good); !errors.Is(err, errBadCredentials) {
		t.Fatalf("non-bearer scheme should be rejected, got %v", err)
	}
	if _, err := a.principal("Bearer " + sign(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "ops"})); err == nil {
		t.Fatalf("only HS256 is accepted")
	}
	if _, err := a.principal("Bearer " + sign(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()})); err == nil {
		t.Fatalf("token without subject must be rejected")
	}
	expired := sign(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(-time.Minute).Unix()})
	if _, err := a.principal("Bearer " + expired); err == nil {
		t.Fatalf("expired token must be rejected")
	}
	if a.guarded("/v0/health") || !a.guarded("/v0/tasks") || a.guarded("/docs") {
		t.Fatalf("unexpected guard set")
	}
}
