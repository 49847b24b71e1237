package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event is one server-sent event emitted by the streaming variant.
type Event struct {
	Name string
	Data any
}

// SSE renders the event in text/event-stream framing.
func (e Event) SSE() string {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, data)
}

// EmitFunc receives streaming events; a non-nil error aborts the stream.
type EmitFunc func(event Event) error

func phaseEvent(name, message string) Event {
	return Event{Name: "phase", Data: map[string]string{"name": name, "message": message}}
}

// DiscoverStream runs discovery while narrating progress. Phases are
// emitted in strict order: dns, autoconfig, aliases (only when alias
// expansion produced at least one non-self domain), probing, and a
// terminal complete carrying the result. An invalid address emits only
// the terminal complete with an error field.
func (d *Discoverer) DiscoverStream(ctx context.Context, email string, emit EmitFunc) error {
	domain, ok := domainOf(email)
	if !ok {
		return emit(Event{Name: "complete", Data: &Result{Error: "Invalid email address"}})
	}

	var smtpCandidates, imapCandidates []Candidate
	var mxBases []string

	// Phase: DNS (SRV + MX)
	if err := emit(phaseEvent("dns", "Querying DNS records...")); err != nil {
		return err
	}
	srvSMTP, srvIMAP := d.gatherSRV(ctx, domain)
	mxSMTP, mxIMAP, bases := d.gatherMX(ctx, domain)
	smtpCandidates = append(append(smtpCandidates, srvSMTP...), mxSMTP...)
	imapCandidates = append(append(imapCandidates, srvIMAP...), mxIMAP...)
	mxBases = bases

	// Phase: Autoconfig
	if err := emit(phaseEvent("autoconfig", "Checking autoconfig...")); err != nil {
		return err
	}
	acSMTP, acIMAP := d.gatherAutoconfig(ctx, domain)
	smtpCandidates = append(smtpCandidates, acSMTP...)
	imapCandidates = append(imapCandidates, acIMAP...)

	// Phase: provider alias expansion
	aliasDomains := expandAliases(domain, mxBases)
	if len(aliasDomains) > 0 {
		msg := "Trying provider aliases: " + strings.Join(aliasDomains, ", ")
		if err := emit(phaseEvent("aliases", msg)); err != nil {
			return err
		}
		aliasSMTP, aliasIMAP := d.gatherAliasCandidates(ctx, aliasDomains)
		smtpCandidates = append(smtpCandidates, aliasSMTP...)
		imapCandidates = append(imapCandidates, aliasIMAP...)
	}

	commonSMTP, commonIMAP := commonCandidates(domain)
	smtpCandidates = append(smtpCandidates, commonSMTP...)
	imapCandidates = append(imapCandidates, commonIMAP...)

	// Phase: probing
	if err := emit(phaseEvent("probing", "Probing mail servers...")); err != nil {
		return err
	}
	result := d.probePhase(ctx, domain, smtpCandidates, imapCandidates)

	return emit(Event{Name: "complete", Data: result})
}

// WriteSSE writes the event to an HTTP response stream, flushing when the
// writer supports it.
func WriteSSE(w io.Writer, event Event) error {
	if _, err := io.WriteString(w, event.SSE()); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}
