// Package discovery locates working mail-server endpoints for an address
package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tymrtn/envelope/internal/logging"
	"golang.org/x/sync/errgroup"
)

const (
	// ProbeTimeout bounds each TCP reachability check.
	ProbeTimeout = 3 * time.Second

	autoconfigTimeout = 5 * time.Second
)

// Candidate source priorities; lower wins.
const (
	prioritySRV        = 0
	priorityAutoconfig = 1
	priorityMX         = 2
	priorityCommon     = 3
)

// mxAliases maps MX base domains to provider domains whose submission
// servers live elsewhere.
var mxAliases = map[string][]string{
	"google.com":             {"gmail.com"},
	"outlook.com":            {"office365.com"},
	"protection.outlook.com": {"office365.com"},
	"microsoft.com":          {"office365.com"},
}

// Candidate is a tentative endpoint awaiting a TCP probe.
type Candidate struct {
	Host     string
	Port     int
	Priority int
	Source   string
}

// Result is the discovery reply; absent protocols leave their fields empty.
type Result struct {
	Domain     string `json:"domain"`
	Error      string `json:"error,omitempty"`
	SMTPHost   string `json:"smtp_host,omitempty"`
	SMTPPort   int    `json:"smtp_port,omitempty"`
	SMTPSource string `json:"smtp_source,omitempty"`
	IMAPHost   string `json:"imap_host,omitempty"`
	IMAPPort   int    `json:"imap_port,omitempty"`
	IMAPSource string `json:"imap_source,omitempty"`
}

// SRVRecord is a resolved SRV answer.
type SRVRecord struct {
	Target string
	Port   int
}

// Resolver answers the DNS questions discovery asks.
type Resolver interface {
	LookupSRV(ctx context.Context, name string) ([]SRVRecord, error)
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// ProbeFunc reports whether a TCP endpoint accepts connections.
type ProbeFunc func(ctx context.Context, host string, port int) bool

// Discoverer races evidence from SRV, autoconfig, and MX heuristics, then
// probes reachability. Resolver, HTTP client, and prober are injectable.
type Discoverer struct {
	resolver   Resolver
	httpClient *http.Client
	probe      ProbeFunc
	log        zerolog.Logger
}

// New creates a Discoverer with production defaults for any nil collaborator.
func New(resolver Resolver, httpClient *http.Client, probe ProbeFunc) *Discoverer {
	if resolver == nil {
		resolver = NewDNSResolver()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: autoconfigTimeout}
	}
	if probe == nil {
		probe = tcpProbe
	}
	return &Discoverer{
		resolver:   resolver,
		httpClient: httpClient,
		probe:      probe,
		log:        logging.WithComponent("discovery"),
	}
}

func tcpProbe(ctx context.Context, host string, port int) bool {
	dialer := &net.Dialer{Timeout: ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Discover resolves working submission and retrieval endpoints for the
// address. Source failures are logged and ignored; common fallbacks are
// always appended so a zero-evidence domain still gets probed.
func (d *Discoverer) Discover(ctx context.Context, email string) *Result {
	domain, ok := domainOf(email)
	if !ok {
		return &Result{Error: "Invalid email address"}
	}

	// Phase 1: gather from all sources concurrently.
	var srvSMTP, srvIMAP []Candidate
	var acSMTP, acIMAP []Candidate
	var mxSMTP, mxIMAP []Candidate
	var mxBases []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srvSMTP, srvIMAP = d.gatherSRV(gctx, domain)
		return nil
	})
	g.Go(func() error {
		acSMTP, acIMAP = d.gatherAutoconfig(gctx, domain)
		return nil
	})
	g.Go(func() error {
		mxSMTP, mxIMAP, mxBases = d.gatherMX(gctx, domain)
		return nil
	})
	g.Wait()

	smtpCandidates := append(append(srvSMTP, acSMTP...), mxSMTP...)
	imapCandidates := append(append(srvIMAP, acIMAP...), mxIMAP...)

	// Phase 1b: expand provider aliases revealed by MX.
	aliasDomains := expandAliases(domain, mxBases)
	aliasSMTP, aliasIMAP := d.gatherAliasCandidates(ctx, aliasDomains)
	smtpCandidates = append(smtpCandidates, aliasSMTP...)
	imapCandidates = append(imapCandidates, aliasIMAP...)

	// Fallback: common hostname patterns for the user's own domain.
	commonSMTP, commonIMAP := commonCandidates(domain)
	smtpCandidates = append(smtpCandidates, commonSMTP...)
	imapCandidates = append(imapCandidates, commonIMAP...)

	// Phase 2: probe everything, keep the best per protocol.
	return d.probePhase(ctx, domain, smtpCandidates, imapCandidates)
}

func (d *Discoverer) probePhase(ctx context.Context, domain string, smtpCandidates, imapCandidates []Candidate) *Result {
	var smtpBest, imapBest *Candidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		smtpBest = d.probeBest(gctx, smtpCandidates)
		return nil
	})
	g.Go(func() error {
		imapBest = d.probeBest(gctx, imapCandidates)
		return nil
	})
	g.Wait()

	result := &Result{Domain: domain}
	if smtpBest != nil {
		result.SMTPHost = smtpBest.Host
		result.SMTPPort = smtpBest.Port
		result.SMTPSource = smtpBest.Source
	}
	if imapBest != nil {
		result.IMAPHost = imapBest.Host
		result.IMAPPort = imapBest.Port
		result.IMAPSource = imapBest.Source
	}
	return result
}

// expandAliases maps MX bases through the provider table, dropping the
// caller's own domain which has already been tried.
func expandAliases(domain string, mxBases []string) []string {
	set := map[string]bool{}
	for _, base := range mxBases {
		set[base] = true
		for _, alias := range mxAliases[base] {
			set[alias] = true
		}
	}
	delete(set, domain)

	var out []string
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// gatherAliasCandidates fetches autoconfig for each alias domain and
// synthesizes MX-style candidates against it.
func (d *Discoverer) gatherAliasCandidates(ctx context.Context, aliasDomains []string) (smtp, imap []Candidate) {
	type pair struct{ smtp, imap []Candidate }
	results := make([]pair, len(aliasDomains))

	g, gctx := errgroup.WithContext(ctx)
	for i, alias := range aliasDomains {
		g.Go(func() error {
			s, im := d.gatherAutoconfig(gctx, alias)
			results[i] = pair{s, im}
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		smtp = append(smtp, r.smtp...)
		imap = append(imap, r.imap...)
	}
	for _, alias := range aliasDomains {
		for _, port := range []int{465, 587} {
			smtp = append(smtp, Candidate{Host: "smtp." + alias, Port: port, Priority: priorityMX, Source: "mx"})
		}
		imap = append(imap, Candidate{Host: "imap." + alias, Port: 993, Priority: priorityMX, Source: "mx"})
	}
	return smtp, imap
}

// gatherSRV queries the submission and imaps service records.
func (d *Discoverer) gatherSRV(ctx context.Context, domain string) (smtp, imap []Candidate) {
	for _, name := range []string{
		"_submissions._tcp." + domain,
		"_submission._tcp." + domain,
	} {
		records, err := d.resolver.LookupSRV(ctx, name)
		if err != nil {
			d.log.Debug().Err(err).Str("name", name).Msg("SRV lookup failed")
			continue
		}
		for _, rec := range records {
			if rec.Target != "" && rec.Target != "." {
				smtp = append(smtp, Candidate{Host: rec.Target, Port: rec.Port, Priority: prioritySRV, Source: "srv"})
			}
		}
	}

	records, err := d.resolver.LookupSRV(ctx, "_imaps._tcp."+domain)
	if err != nil {
		d.log.Debug().Err(err).Str("domain", domain).Msg("IMAPS SRV lookup failed")
		return smtp, imap
	}
	for _, rec := range records {
		if rec.Target != "" && rec.Target != "." {
			imap = append(imap, Candidate{Host: rec.Target, Port: rec.Port, Priority: prioritySRV, Source: "srv"})
		}
	}
	return smtp, imap
}

// gatherAutoconfig fetches the Thunderbird-style autoconfig XML from the
// well-known locations, stopping at the first useful document.
func (d *Discoverer) gatherAutoconfig(ctx context.Context, domain string) (smtp, imap []Candidate) {
	urls := []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://autoconfig.thunderbird.net/v1.1/%s", domain),
	}

	for _, url := range urls {
		body, err := d.fetchURL(ctx, url)
		if err != nil {
			d.log.Debug().Err(err).Str("url", url).Msg("Autoconfig fetch failed")
			continue
		}
		s, im := parseAutoconfig(body)
		if len(s) > 0 || len(im) > 0 {
			return s, im
		}
	}
	return nil, nil
}

func (d *Discoverer) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// autoconfig XML wire shape (config-v1.1)
type autoconfigDoc struct {
	XMLName       xml.Name `xml:"clientConfig"`
	EmailProvider struct {
		OutgoingServers []autoconfigServer `xml:"outgoingServer"`
		IncomingServers []autoconfigServer `xml:"incomingServer"`
	} `xml:"emailProvider"`
}

type autoconfigServer struct {
	Type     string `xml:"type,attr"`
	Hostname string `xml:"hostname"`
	Port     int    `xml:"port"`
}

func parseAutoconfig(body []byte) (smtp, imap []Candidate) {
	var doc autoconfigDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, nil
	}

	for _, server := range doc.EmailProvider.OutgoingServers {
		host := strings.TrimSpace(server.Hostname)
		if host != "" && server.Port > 0 {
			smtp = append(smtp, Candidate{Host: host, Port: server.Port, Priority: priorityAutoconfig, Source: "autoconfig"})
		}
	}
	for _, server := range doc.EmailProvider.IncomingServers {
		if server.Type != "imap" {
			continue
		}
		host := strings.TrimSpace(server.Hostname)
		if host != "" && server.Port > 0 {
			imap = append(imap, Candidate{Host: host, Port: server.Port, Priority: priorityAutoconfig, Source: "autoconfig"})
		}
	}
	return smtp, imap
}

// gatherMX resolves MX and synthesizes smtp./mail./imap. candidates
// against each exchange's base domain (last two labels).
func (d *Discoverer) gatherMX(ctx context.Context, domain string) (smtp, imap []Candidate, mxBases []string) {
	exchanges, err := d.resolver.LookupMX(ctx, domain)
	if err != nil {
		d.log.Debug().Err(err).Str("domain", domain).Msg("MX lookup failed")
		return nil, nil, nil
	}

	seen := map[string]bool{}
	for _, exchange := range exchanges {
		parts := strings.Split(strings.ToLower(strings.TrimSuffix(exchange, ".")), ".")
		if len(parts) < 2 {
			continue
		}
		base := strings.Join(parts[len(parts)-2:], ".")
		if seen[base] {
			continue
		}
		seen[base] = true
		mxBases = append(mxBases, base)

		for _, host := range []string{"smtp." + base, "mail." + base} {
			for _, port := range []int{465, 587} {
				smtp = append(smtp, Candidate{Host: host, Port: port, Priority: priorityMX, Source: "mx"})
			}
		}
		imap = append(imap, Candidate{Host: "imap." + base, Port: 993, Priority: priorityMX, Source: "mx"})
		imap = append(imap, Candidate{Host: "mail." + base, Port: 993, Priority: priorityMX, Source: "mx"})
	}
	return smtp, imap, mxBases
}

// commonCandidates synthesizes last-resort hostname patterns.
func commonCandidates(domain string) (smtp, imap []Candidate) {
	for _, host := range []string{"smtp." + domain, "mail." + domain} {
		for _, port := range []int{465, 587} {
			smtp = append(smtp, Candidate{Host: host, Port: port, Priority: priorityCommon, Source: "common"})
		}
	}
	for _, host := range []string{"imap." + domain, "mail." + domain} {
		imap = append(imap, Candidate{Host: host, Port: 993, Priority: priorityCommon, Source: "common"})
	}
	return smtp, imap
}

// probeBest deduplicates candidates by (host, port) keeping the minimum
// priority, probes all in parallel, and returns the best success.
func (d *Discoverer) probeBest(ctx context.Context, candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}

	type key struct {
		host string
		port int
	}
	seen := map[key]Candidate{}
	for _, c := range candidates {
		k := key{c.Host, c.Port}
		if prev, ok := seen[k]; !ok || c.Priority < prev.Priority {
			seen[k] = c
		}
	}

	unique := make([]Candidate, 0, len(seen))
	for _, c := range seen {
		unique = append(unique, c)
	}

	alive := make([]bool, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range unique {
		g.Go(func() error {
			alive[i] = d.probe(gctx, c.Host, c.Port)
			return nil
		})
	}
	g.Wait()

	var successes []Candidate
	for i, ok := range alive {
		if ok {
			successes = append(successes, unique[i])
		}
	}
	if len(successes) == 0 {
		return nil
	}

	sort.Slice(successes, func(i, j int) bool { return successes[i].Priority < successes[j].Priority })
	best := successes[0]
	return &best
}

func domainOf(email string) (string, bool) {
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return "", false
	}
	return strings.ToLower(email[at+1:]), true
}
