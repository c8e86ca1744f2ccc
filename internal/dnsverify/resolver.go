package dnsverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrNXDomain reports that the name does not exist.
	ErrNXDomain = errors.New("domain not found")
	// ErrNoData reports that the name exists but has no A records.
	ErrNoData = errors.New("no A records")
)

// Resolver looks up IPv4 addresses.
type Resolver interface {
	LookupA(ctx context.Context, name string) ([]string, error)
}

// DNSResolver queries a single recursive resolver over UDP, falling back to
// TCP for truncated answers.
type DNSResolver struct {
	server  string
	timeout time.Duration
}

// NewDNSResolver returns a resolver for server ("host:port").
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{server: server, timeout: timeout}
}

// LookupA returns the A records of name. CNAME chains are followed by the
// upstream resolver; only the final addresses are returned.
func (r *DNSResolver) LookupA(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: r.timeout}
	resp, _, err := client.ExchangeContext(ctx, msg, r.server)
	if err == nil && resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.server, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNXDomain
	default:
		return nil, fmt.Errorf("query %s: %s", r.server, dns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, ErrNoData
	}
	return ips, nil
}
