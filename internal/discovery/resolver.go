package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// dnsResolver answers SRV and MX questions against the system's
// configured nameservers.
type dnsResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver builds a resolver from /etc/resolv.conf, falling back to
// a public resolver when the file is unreadable.
func NewDNSResolver() Resolver {
	servers := []string{"8.8.8.8:53"}
	if config, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(config.Servers) > 0 {
		servers = servers[:0]
		for _, s := range config.Servers {
			servers = append(servers, net.JoinHostPort(s, config.Port))
		}
	}
	return &dnsResolver{
		client:  &dns.Client{},
		servers: servers,
	}
}

func (r *dnsResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	var lastErr error
	for _, server := range r.servers {
		reply, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("dns query %s failed: %s", name, dns.RcodeToString[reply.Rcode])
		}
		return reply, nil
	}
	return nil, fmt.Errorf("dns query %s failed: %w", name, lastErr)
}

// LookupSRV resolves a service record name.
func (r *dnsResolver) LookupSRV(ctx context.Context, name string) ([]SRVRecord, error) {
	reply, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var records []SRVRecord
	for _, answer := range reply.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, SRVRecord{
				Target: strings.TrimSuffix(srv.Target, "."),
				Port:   int(srv.Port),
			})
		}
	}
	return records, nil
}

// LookupMX resolves a domain's mail exchanges.
func (r *dnsResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	reply, err := r.exchange(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var exchanges []string
	for _, answer := range reply.Answer {
		if mx, ok := answer.(*dns.MX); ok {
			exchanges = append(exchanges, strings.TrimSuffix(mx.Mx, "."))
		}
	}
	return exchanges, nil
}
