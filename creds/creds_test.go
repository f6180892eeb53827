package creds

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestWellFormed(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"abc", false},
		{"a.b", false},
		{"a.b.c", true},
		{"a.b.c.d", false},
		{"..", false},
		{"a..c", false},
		{".b.c", false},
		{"a.b.", false},
		{"not a token at all", false},
	}
	for _, tc := range cases {
		if got := WellFormed(tc.in); got != tc.want {
			t.Errorf("WellFormed(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if !WellFormed(mintToken(t, jwt.MapClaims{"user_id": "u1"})) {
		t.Errorf("real signed token should be well-formed")
	}
}

func TestPeek(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := Credential{Access: mintToken(t, jwt.MapClaims{
		"user_id": "user-42",
		"exp":     exp.Unix(),
	})}

	cl, err := cred.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if cl.UserID != "user-42" {
		t.Errorf("user id = %q, want user-42", cl.UserID)
	}
	if !cl.ExpiresAt.Equal(exp) {
		t.Errorf("exp = %v, want %v", cl.ExpiresAt, exp)
	}
}

func TestPeekMalformed(t *testing.T) {
	if _, err := (Credential{Access: "nope"}).Peek(); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	live := Credential{Access: mintToken(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})}
	stale := Credential{Access: mintToken(t, jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})}
	noExp := Credential{Access: mintToken(t, jwt.MapClaims{"user_id": "u"})}

	if live.Expired(now) {
		t.Error("live token reported expired")
	}
	if !stale.Expired(now) {
		t.Error("stale token not reported expired")
	}
	if noExp.Expired(now) {
		t.Error("token without exp claim reported expired")
	}
	if (Credential{Access: "garbage"}).Expired(now) {
		t.Error("malformed token should not report expired; it fails the shape check instead")
	}
}
