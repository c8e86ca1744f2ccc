// Package dnsverify checks that a custom domain points at the hosting edge.
package dnsverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/miekg/dns"
)

// Result is the outcome of a verification. Resolution failures are results,
// not errors.
type Result struct {
	Success     bool     `json:"success"`
	Verified    bool     `json:"verified"`
	Domain      string   `json:"domain"`
	IPAddresses []string `json:"ipAddresses,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Verifier checks A records against the expected target address.
type Verifier struct {
	resolver Resolver
	targetIP string
}

// NewVerifier creates a Verifier expecting targetIP.
func NewVerifier(resolver Resolver, targetIP string) *Verifier {
	return &Verifier{resolver: resolver, targetIP: targetIP}
}

// TargetIP returns the address domains must point to.
func (v *Verifier) TargetIP() string {
	return v.targetIP
}

// Verify resolves domain and reports whether it points at the target address.
func (v *Verifier) Verify(ctx context.Context, projectName, rawDomain string) (*Result, error) {
	domain := NormalizeDomain(rawDomain)
	if domain == "" {
		return nil, apperr.BadRequest("domain is required")
	}
	if labels, ok := dns.IsDomainName(domain); !ok || labels < 2 {
		return nil, apperr.BadRequest("invalid domain")
	}

	ips, err := v.resolver.LookupA(ctx, domain)
	switch {
	case errors.Is(err, ErrNXDomain):
		return &Result{
			Success: true,
			Domain:  domain,
			Error:   fmt.Sprintf("Domain %s not found. Please check the domain name and your DNS configuration", domain),
		}, nil
	case errors.Is(err, ErrNoData):
		return &Result{
			Success: true,
			Domain:  domain,
			Error:   fmt.Sprintf("No A records found for %s. Please add an A record pointing to %s", domain, v.targetIP),
		}, nil
	case err != nil:
		slog.Warn("DNS lookup failed", "domain", domain, "project", projectName, "error", err)
		return &Result{
			Success: true,
			Domain:  domain,
			Error:   fmt.Sprintf("DNS lookup failed for %s: %v", domain, err),
		}, nil
	}

	if slices.Contains(ips, v.targetIP) {
		slog.Info("Domain verified", "domain", domain, "project", projectName)
		return &Result{Success: true, Verified: true, Domain: domain, IPAddresses: ips}, nil
	}

	return &Result{
		Success:     true,
		Domain:      domain,
		IPAddresses: ips,
		Error: fmt.Sprintf("Domain %s points to %s but should point to %s. Please update your A record",
			domain, strings.Join(ips, ", "), v.targetIP),
	}, nil
}

// NormalizeDomain trims, lower-cases and strips any scheme, path, port and
// trailing dot from raw.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}
