package relay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/mtaerrors"
	"github.com/webrana/gomta/internal/policy"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/smtpclient"
)

// Config holds the parameters a Manager needs beyond its collaborators.
type Config struct {
	ConcurrentConnections int // per-destination pool size
	IdleTimeout           time.Duration
	ClientConfig          smtpclient.Config
}

// Manager implements spec.md §4.7: next-hop computation, pooled
// delivery, per-recipient result classification, and bounce
// generation.
type Manager struct {
	config   Config
	resolver Resolver
	cache    MXCache

	mu        sync.Mutex
	overrides map[string]Destination
	pools     map[string]*destinationPool
}

// NewManager builds a Manager. cache may be nil to use an in-process
// cache. resolver is used as given: with a nil resolver, every domain
// without an override or a cached entry fails transiently.
func NewManager(config Config, resolver Resolver, cache MXCache) *Manager {
	if cache == nil {
		cache = NewMemoryMXCache()
	}
	return &Manager{
		config:    config,
		resolver:  resolver,
		cache:     cache,
		overrides: map[string]Destination{},
		pools:     map[string]*destinationPool{},
	}
}

// SetOverride forces domain to relay through host:port instead of its
// MX records, per spec.md §4.7's "a user may override MX lookup for a
// domain with a forced host."
func (m *Manager) SetOverride(domain string, dest Destination) {
	if net.ParseIP(dest.Host) == nil && !strings.Contains(dest.Host, ".") {
		// Not a useful destination; ignore rather than silently
		// breaking delivery for every recipient at this domain.
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[strings.ToLower(domain)] = dest
}

// RecipientOutcome is one recipient's classified result from a
// DeliverEnvelope call.
type RecipientOutcome struct {
	Recipient string
	Reply     reply.Reply
	Temporary bool
	Permanent bool
}

// Result is the overall outcome of relaying one envelope, narrowed to
// per-recipient classification per spec.md §4.7 step 3.
type Result struct {
	Outcomes []RecipientOutcome
}

// Delivered returns the recipients that succeeded.
func (r Result) Delivered() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Reply.IsSuccess() {
			out = append(out, o.Recipient)
		}
	}
	return out
}

// Temporary returns the recipients that should be retried.
func (r Result) Temporary() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Temporary {
			out = append(out, o.Recipient)
		}
	}
	return out
}

// Permanent returns the recipients that should be bounced.
func (r Result) Permanent() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Permanent {
			out = append(out, o.Recipient)
		}
	}
	return out
}

// DeliverEnvelope groups e's recipients by domain, resolves a
// next-hop set for each, and attempts delivery through the
// destination pool, returning a combined per-recipient Result.
func (m *Manager) DeliverEnvelope(ctx context.Context, e *envelope.Envelope) (Result, error) {
	split, rej := (policy.RecipientDomainSplit{}).Apply(e)
	if rej != nil {
		return Result{}, mtaerrors.New(mtaerrors.Permanent, rej.Code, rej.Text())
	}

	var result Result
	for _, group := range split {
		domain := envelope.DomainOf(group.Recipients[0])
		dests, err := m.destinationsFor(ctx, domain)
		if err != nil {
			result.Outcomes = append(result.Outcomes, classifyDomainFailure(group.Recipients, err)...)
			continue
		}
		outcomes := m.deliverToDestinations(ctx, group, dests)
		result.Outcomes = append(result.Outcomes, outcomes...)
	}
	return result, nil
}

func classifyDomainFailure(recipients []string, err error) []RecipientOutcome {
	temp := !mtaerrors.IsPermanent(err)
	out := make([]RecipientOutcome, len(recipients))
	for i, rcpt := range recipients {
		out[i] = RecipientOutcome{
			Recipient: rcpt,
			Temporary: temp,
			Permanent: !temp,
			Reply:     reply.New(mapErrToCode(temp), err.Error()),
		}
	}
	return out
}

func mapErrToCode(temporary bool) int {
	if temporary {
		return 450
	}
	return 550
}

// destinationsFor returns the next-hop set for domain: an override if
// one is set, the cached result if fresh, or a fresh MX/A lookup.
func (m *Manager) destinationsFor(ctx context.Context, domain string) ([]Destination, error) {
	domain = strings.ToLower(domain)

	m.mu.Lock()
	override, ok := m.overrides[domain]
	m.mu.Unlock()
	if ok {
		return []Destination{override}, nil
	}

	if dests, hit := m.cache.Get(ctx, domain); hit {
		return dests, nil
	}

	if m.resolver == nil {
		return nil, mtaerrors.New(mtaerrors.Transient, 0, "no resolver configured")
	}
	dests, ttl, err := m.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	m.cache.Set(ctx, domain, dests, ttl)
	return dests, nil
}

// deliverToDestinations attempts group's recipients against dests in
// order, trying the next destination only if the whole connection
// attempt fails (not per spec.md §4.7's per-recipient granularity,
// which happens within a single successful connection).
func (m *Manager) deliverToDestinations(ctx context.Context, group *envelope.Envelope, dests []Destination) []RecipientOutcome {
	var lastErr error
	for _, dest := range dests {
		client, err := m.acquire(ctx, dest)
		if err != nil {
			lastErr = err
			continue
		}
		delivery, err := client.Deliver(ctx, group)
		if err != nil {
			m.release(dest, client, false)
			lastErr = err
			continue
		}
		m.release(dest, client, true)
		return toOutcomes(delivery)
	}
	if lastErr == nil {
		lastErr = mtaerrors.New(mtaerrors.Transient, 0, "no destinations available")
	}
	return classifyDomainFailure(group.Recipients, lastErr)
}

func toOutcomes(d smtpclient.DeliveryResult) []RecipientOutcome {
	out := make([]RecipientOutcome, len(d.Recipients))
	for i, r := range d.Recipients {
		out[i] = RecipientOutcome{
			Recipient: r.Recipient,
			Reply:     r.Reply,
			Temporary: r.IsTransient(),
			Permanent: r.IsPermanent(),
		}
	}
	return out
}

// destinationPool bounds concurrent connections to one (host, port)
// and reuses idle clients within Config.IdleTimeout, per spec.md
// §4.7 step 2.
type destinationPool struct {
	sem   chan struct{}
	mu    sync.Mutex
	idle  []*smtpclient.Client
}

func (m *Manager) poolFor(dest Destination) *destinationPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dest.Addr()
	p, ok := m.pools[key]
	if !ok {
		size := m.config.ConcurrentConnections
		if size <= 0 {
			size = 10
		}
		p = &destinationPool{sem: make(chan struct{}, size)}
		m.pools[key] = p
	}
	return p
}

func (m *Manager) acquire(ctx context.Context, dest Destination) (*smtpclient.Client, error) {
	p := m.poolFor(dest)
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.Idle() < m.config.IdleTimeout {
			p.mu.Unlock()
			return c, nil
		}
		c.Close()
	}
	p.mu.Unlock()

	client, err := smtpclient.Dial(ctx, dest.Addr(), m.config.ClientConfig)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return client, nil
}

func (m *Manager) release(dest Destination, client *smtpclient.Client, keep bool) {
	p := m.poolFor(dest)
	if keep && m.config.IdleTimeout > 0 {
		p.mu.Lock()
		p.idle = append(p.idle, client)
		p.mu.Unlock()
	} else {
		client.Close()
	}
	<-p.sem
}

// GenerateBounce synthesizes a delivery-failure notification per
// spec.md §4.7: empty sender, recipient = original sender, a body
// containing the failure replies and the flattened original message.
// If the original sender was empty (a bounce-of-a-bounce), no further
// bounce is generated and ok is false.
func GenerateBounce(original *envelope.Envelope, failures []RecipientOutcome) (bounce *envelope.Envelope, ok bool) {
	if original.Sender == "" {
		return nil, false
	}
	var body strings.Builder
	fmt.Fprintf(&body, "The following message could not be delivered:\r\n\r\n")
	for _, f := range failures {
		fmt.Fprintf(&body, "  %s: %s\r\n", f.Recipient, f.Reply.Text())
	}
	body.WriteString("\r\n--- original message ---\r\n")
	body.Write(original.Flatten())

	b := envelope.New("", envelope.ReceivedInfo{})
	b.AddRecipient(original.Sender)
	b.PrependHeader("Subject", "Undelivered Mail Returned to Sender")
	b.Body = []byte(body.String())
	return b, true
}
