package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	srv map[string][]SRVRecord
	mx  map[string][]string
}

func (f *fakeResolver) LookupSRV(ctx context.Context, name string) ([]SRVRecord, error) {
	if records, ok := f.srv[name]; ok {
		return records, nil
	}
	return nil, fmt.Errorf("NXDOMAIN %s", name)
}

func (f *fakeResolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	if exchanges, ok := f.mx[domain]; ok {
		return exchanges, nil
	}
	return nil, fmt.Errorf("NXDOMAIN %s", domain)
}

// reachableProbe marks a fixed set of host:port endpoints alive and
// records every probe.
type reachableProbe struct {
	mu    sync.Mutex
	alive map[string]bool
	seen  map[string]bool
}

func newReachableProbe(endpoints ...string) *reachableProbe {
	alive := map[string]bool{}
	for _, e := range endpoints {
		alive[e] = true
	}
	return &reachableProbe{alive: alive, seen: map[string]bool{}}
}

func (p *reachableProbe) probe(ctx context.Context, host string, port int) bool {
	key := fmt.Sprintf("%s:%d", host, port)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[key] = true
	return p.alive[key]
}

func (p *reachableProbe) probed(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[endpoint]
}

func noAutoconfig(t *testing.T) *http.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)
	client := server.Client()
	client.Transport = rewriteTransport{base: client.Transport, target: server.URL}
	return client
}

// rewriteTransport sends every request to the test server regardless of host.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewritten := *req
	rewritten.URL.Scheme = "http"
	rewritten.URL.Host = rt.target[len("http://"):]
	return rt.base.RoundTrip(&rewritten)
}

func TestDiscoverInvalidAddress(t *testing.T) {
	d := New(&fakeResolver{}, noAutoconfig(t), newReachableProbe().probe)
	result := d.Discover(context.Background(), "not-an-address")
	assert.Equal(t, "Invalid email address", result.Error)
}

func TestDiscoverPrefersSRVOverFallback(t *testing.T) {
	resolver := &fakeResolver{
		srv: map[string][]SRVRecord{
			"_submissions._tcp.example.com": {{Target: "mx.example.com", Port: 465}},
			"_imaps._tcp.example.com":       {{Target: "mx.example.com", Port: 993}},
		},
		mx: map[string][]string{},
	}
	probe := newReachableProbe(
		"mx.example.com:465",
		"mx.example.com:993",
		"smtp.example.com:587", // lower-priority fallback also reachable
	)
	d := New(resolver, noAutoconfig(t), probe.probe)

	result := d.Discover(context.Background(), "user@example.com")

	assert.Equal(t, "example.com", result.Domain)
	assert.Equal(t, "mx.example.com", result.SMTPHost)
	assert.Equal(t, 465, result.SMTPPort)
	assert.Equal(t, "srv", result.SMTPSource)
	assert.Equal(t, "mx.example.com", result.IMAPHost)
	assert.Equal(t, "srv", result.IMAPSource)
}

func TestDiscoverCommonFallbackAlwaysProbed(t *testing.T) {
	// Zero evidence: no SRV, no MX, no autoconfig.
	probe := newReachableProbe("mail.example.com:587", "mail.example.com:993")
	d := New(&fakeResolver{}, noAutoconfig(t), probe.probe)

	result := d.Discover(context.Background(), "user@example.com")

	assert.Equal(t, "mail.example.com", result.SMTPHost)
	assert.Equal(t, "common", result.SMTPSource)
	assert.Equal(t, "mail.example.com", result.IMAPHost)
	assert.Equal(t, 993, result.IMAPPort)
	assert.Equal(t, "common", result.IMAPSource)
}

func TestDiscoverOmitsUnreachableProtocols(t *testing.T) {
	probe := newReachableProbe() // nothing answers
	d := New(&fakeResolver{}, noAutoconfig(t), probe.probe)

	result := d.Discover(context.Background(), "user@example.com")

	assert.Empty(t, result.SMTPHost)
	assert.Empty(t, result.IMAPHost)
	assert.Equal(t, "example.com", result.Domain)
}

func TestDiscoverAliasExpansion(t *testing.T) {
	resolver := &fakeResolver{
		srv: map[string][]SRVRecord{},
		mx: map[string][]string{
			"example.com": {"aspmx.l.google.com"},
		},
	}
	probe := newReachableProbe("smtp.gmail.com:465", "imap.gmail.com:993")
	d := New(resolver, noAutoconfig(t), probe.probe)

	result := d.Discover(context.Background(), "user@example.com")

	// MX base google.com expands to gmail.com; the synthesized alias
	// candidates must be probed and win.
	assert.True(t, probe.probed("smtp.gmail.com:465"))
	assert.True(t, probe.probed("smtp.gmail.com:587"))
	assert.True(t, probe.probed("imap.gmail.com:993"))
	assert.Equal(t, "smtp.gmail.com", result.SMTPHost)
	assert.Equal(t, "imap.gmail.com", result.IMAPHost)
	assert.Equal(t, "mx", result.SMTPSource)
}

func TestExpandAliasesDropsOwnDomain(t *testing.T) {
	aliases := expandAliases("example.com", []string{"example.com", "google.com"})
	assert.NotContains(t, aliases, "example.com")
	assert.Contains(t, aliases, "google.com")
	assert.Contains(t, aliases, "gmail.com")
}

func TestProbeBestDeduplicatesKeepingMinPriority(t *testing.T) {
	probe := newReachableProbe("mail.example.com:465")
	d := New(&fakeResolver{}, noAutoconfig(t), probe.probe)

	best := d.probeBest(context.Background(), []Candidate{
		{Host: "mail.example.com", Port: 465, Priority: priorityCommon, Source: "common"},
		{Host: "mail.example.com", Port: 465, Priority: prioritySRV, Source: "srv"},
	})

	require.NotNil(t, best)
	assert.Equal(t, prioritySRV, best.Priority, "dedup must keep the lowest priority")
	assert.Equal(t, "srv", best.Source)
}

func TestParseAutoconfig(t *testing.T) {
	xml := `<?xml version="1.0"?>
<clientConfig version="1.1">
  <emailProvider id="example.com">
    <incomingServer type="imap">
      <hostname>imap.example.com</hostname>
      <port>993</port>
    </incomingServer>
    <incomingServer type="pop3">
      <hostname>pop.example.com</hostname>
      <port>995</port>
    </incomingServer>
    <outgoingServer type="smtp">
      <hostname>smtp.example.com</hostname>
      <port>465</port>
    </outgoingServer>
  </emailProvider>
</clientConfig>`

	smtp, imap := parseAutoconfig([]byte(xml))
	require.Len(t, smtp, 1)
	assert.Equal(t, Candidate{Host: "smtp.example.com", Port: 465, Priority: priorityAutoconfig, Source: "autoconfig"}, smtp[0])
	require.Len(t, imap, 1, "pop3 incoming servers are ignored")
	assert.Equal(t, "imap.example.com", imap[0].Host)
}

func TestDomainOf(t *testing.T) {
	domain, ok := domainOf("User@Example.COM")
	require.True(t, ok)
	assert.Equal(t, "example.com", domain)

	_, ok = domainOf("nope")
	assert.False(t, ok)
}
