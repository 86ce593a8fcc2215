package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTService_IssueParse(t *testing.T) {
	svc := NewJWTService("secret", 15*time.Minute)

	token, err := svc.Issue(" user-1 ")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.ResourceID != "user-1" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJWTService_RejectsEmptySecretOrResource(t *testing.T) {
	if _, err := NewJWTService("", time.Minute).Issue("user-1"); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid on empty secret, got %v", err)
	}
	if _, err := NewJWTService("secret", time.Minute).Issue("  "); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid on empty resource, got %v", err)
	}
	if _, err := NewJWTService("secret", time.Minute).ParseAccessToken(""); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid on empty token, got %v", err)
	}
}

func TestJWTService_RejectsOtherSecret(t *testing.T) {
	token, err := NewJWTService("secret", time.Minute).Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewJWTService("other", time.Minute).ParseAccessToken(token); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid, got %v", err)
	}
}

func TestJWTService_ClaimsValidation(t *testing.T) {
	svc := NewJWTService("secret", 15*time.Minute)
	now := time.Now().UTC()

	cases := []struct {
		name   string
		claims Claims
		want   error
	}{
		{
			name: "wrong issuer",
			claims: Claims{ResourceID: "u1", TokenType: accessTokenType, RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "other-issuer", Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}},
			want: ErrJWTInvalid,
		},
		{
			name: "subject mismatch",
			claims: Claims{ResourceID: "u1", TokenType: accessTokenType, RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "agent-chat", Subject: "u2", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}},
			want: ErrJWTInvalid,
		},
		{
			name: "wrong token type",
			claims: Claims{ResourceID: "u1", TokenType: "refresh", RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "agent-chat", Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			}},
			want: ErrJWTInvalid,
		},
		{
			name: "expired",
			claims: Claims{ResourceID: "u1", TokenType: accessTokenType, RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "agent-chat", Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			}},
			want: ErrJWTExpired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc.claims).SignedString([]byte("secret"))
			if err != nil {
				t.Fatalf("sign token: %v", err)
			}
			if _, err := svc.ParseAccessToken(signed); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
