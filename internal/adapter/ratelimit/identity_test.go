package ratelimit

import (
	"net/http/httptest"
	"testing"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		headers map[string]string
		want    string
	}{
		{name: "trusted user id wins", trust: true, headers: map[string]string{UserIDHeader: "42", "X-Forwarded-For": "1.2.3.4"}, want: "user:42"},
		{name: "untrusted user id ignored", headers: map[string]string{UserIDHeader: "42", "X-Forwarded-For": "1.2.3.4"}, want: "ip:1.2.3.4"},
		{name: "blank user id ignored", trust: true, headers: map[string]string{UserIDHeader: "  ", "X-Real-IP": "5.6.7.8"}, want: "ip:5.6.7.8"},
		{name: "first forwarded entry", headers: map[string]string{"X-Forwarded-For": " 1.2.3.4 , 10.0.0.1"}, want: "ip:1.2.3.4"},
		{name: "forwarded beats real ip", headers: map[string]string{"X-Forwarded-For": "1.2.3.4", "X-Real-IP": "5.6.7.8"}, want: "ip:1.2.3.4"},
		{name: "empty forwarded falls through", headers: map[string]string{"X-Forwarded-For": " ,10.0.0.1", "X-Real-IP": "5.6.7.8"}, want: "ip:5.6.7.8"},
		{name: "no headers", headers: nil, want: "ip:unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/track", nil)
			r.RemoteAddr = "192.0.2.1:1234"
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := Identifier(r, tt.trust); got != tt.want {
				t.Errorf("Identifier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentifierFunc_RotatingUserIDSharesIPKey(t *testing.T) {
	identify := IdentifierFunc(false)
	seen := map[string]bool{}
	for _, uid := range []string{"a", "b", "c"} {
		r := httptest.NewRequest("POST", "/track", nil)
		r.Header.Set("X-Forwarded-For", "198.51.100.7")
		r.Header.Set(UserIDHeader, uid)
		seen[identify(r)] = true
	}
	if len(seen) != 1 || !seen["ip:198.51.100.7"] {
		t.Errorf("expected a single ip key, got %v", seen)
	}
}

func TestKind(t *testing.T) {
	for id, want := range map[string]string{
		"user:42":    "user",
		"ip:1.2.3.4": "ip",
		"garbage":    "unknown",
	} {
		if got := Kind(id); got != want {
			t.Errorf("Kind(%q) = %q, want %q", id, got, want)
		}
	}
}
