package dnsverify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/vibe-relay/internal/apperr"
)

type fakeResolver struct {
	ips     []string
	err     error
	queried string
}

func (f *fakeResolver) LookupA(_ context.Context, name string) ([]string, error) {
	f.queried = name
	return f.ips, f.err
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"Example.COM":                  "example.com",
		"  example.com.  ":             "example.com",
		"https://www.example.com/path": "www.example.com",
		"http://example.com:8080":      "example.com",
		"":                             "",
	}
	for in, want := range tests {
		if got := NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVerifyOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		resolver *fakeResolver
		verified bool
		errPart  string
	}{
		{"match", &fakeResolver{ips: []string{"1.2.3.4", "76.76.21.21"}}, true, ""},
		{"mismatch", &fakeResolver{ips: []string{"1.2.3.4", "5.6.7.8"}}, false, "points to 1.2.3.4, 5.6.7.8 but should point to 76.76.21.21"},
		{"nxdomain", &fakeResolver{err: ErrNXDomain}, false, "Domain example.com not found"},
		{"nodata", &fakeResolver{err: ErrNoData}, false, "No A records found for example.com. Please add an A record pointing to 76.76.21.21"},
		{"other", &fakeResolver{err: errors.New("i/o timeout")}, false, "DNS lookup failed for example.com: i/o timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.resolver, "76.76.21.21")
			res, err := v.Verify(context.Background(), "demo", "HTTPS://Example.com/")
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if tt.resolver.queried != "example.com" {
				t.Fatalf("expected normalized query, got %q", tt.resolver.queried)
			}
			if !res.Success || res.Verified != tt.verified {
				t.Fatalf("unexpected result %+v", res)
			}
			if tt.errPart == "" && res.Error != "" {
				t.Fatalf("expected no error message, got %q", res.Error)
			}
			if tt.errPart != "" && !strings.Contains(res.Error, tt.errPart) {
				t.Fatalf("expected error containing %q, got %q", tt.errPart, res.Error)
			}
		})
	}
}

func TestVerifyRejectsInvalidInput(t *testing.T) {
	v := NewVerifier(&fakeResolver{}, "76.76.21.21")
	for _, d := range []string{"", "   ", "localhost"} {
		if _, err := v.Verify(context.Background(), "demo", d); apperr.KindOf(err) != apperr.KindBadRequest {
			t.Errorf("Verify(%q): expected bad request, got %v", d, err)
		}
	}
}
