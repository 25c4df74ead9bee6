// Package relay implements the MX relay manager of spec.md §4.7:
// next-hop computation (static relay or MX lookup with implicit-MX
// fallback), a bounded per-destination connection pool, delivery
// attempts via internal/smtpclient, and bounce generation on
// permanent failure.
//
// Grounded on HouzuoGuo-laitos's use of github.com/miekg/dns for the
// resolver (the teacher has no outbound relay at all), and on
// foxcpp-maddy's queue.go for the per-recipient success/transient/
// permanent classification and NXDOMAIN/SERVFAIL distinction.
package relay

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/mtaerrors"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/smtpclient"
)

// Destination is one next-hop target: a host and port to connect to.
type Destination struct {
	Host string
	Port int
}

func (d Destination) Addr() string { return fmt.Sprintf("%s:%d", d.Host, d.Port) }

// MXCache caches resolved destinations for a domain until their TTL
// expires. The in-memory implementation below is the default; a
// Redis-backed implementation lets multiple relay instances share
// results, per spec.md §9 Open Question (b): a TTL of zero means "do
// not cache" and Get/Set should be treated as always-miss.
type MXCache interface {
	Get(ctx context.Context, domain string) ([]Destination, bool)
	Set(ctx context.Context, domain string, dests []Destination, ttl time.Duration)
}

// memoryMXCache is the default MXCache: an in-process map guarded by
// a mutex, entries expiring lazily on Get.
type memoryMXCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	dests   []Destination
	expires time.Time
}

// NewMemoryMXCache returns the default in-process MXCache.
func NewMemoryMXCache() MXCache {
	return &memoryMXCache{entries: map[string]cacheEntry{}}
}

func (c *memoryMXCache) Get(ctx context.Context, domain string) ([]Destination, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[domain]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.dests, true
}

func (c *memoryMXCache) Set(ctx context.Context, domain string, dests []Destination, ttl time.Duration) {
	if ttl <= 0 {
		return // TTL 0 means do not cache, per spec.md §9 Open Question (b)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[domain] = cacheEntry{dests: dests, expires: time.Now().Add(ttl)}
}

// Resolver looks up next-hop destinations for a domain. The default
// implementation queries miekg/dns directly; tests substitute a stub.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) (dests []Destination, ttl time.Duration, err error)
}

// dnsResolver queries MX, falling back to an A query (implicit MX,
// preference 0) per spec.md §4.7; AAAA records are not queried.
// NXDOMAIN is classified permanent;
// SERVFAIL or timeout is classified transient.
type dnsResolver struct {
	client *dns.Client
	server string // "host:port" of the recursive resolver to query
}

// NewDNSResolver builds a Resolver querying the recursive resolver at
// server (e.g. "127.0.0.1:53" or a forwarder address).
func NewDNSResolver(server string) Resolver {
	return &dnsResolver{client: &dns.Client{Timeout: 5 * time.Second}, server: server}
}

func (r *dnsResolver) LookupMX(ctx context.Context, domain string) ([]Destination, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, 0, mtaerrors.Wrap(mtaerrors.Transient, 0, "MX query failed", err)
	}
	switch in.Rcode {
	case dns.RcodeNameError:
		return nil, 0, mtaerrors.New(mtaerrors.Permanent, 0, "domain does not exist")
	case dns.RcodeServerFailure:
		return nil, 0, mtaerrors.New(mtaerrors.Transient, 0, "DNS server failure")
	case dns.RcodeSuccess:
		// fall through
	default:
		return nil, 0, mtaerrors.New(mtaerrors.Transient, 0, fmt.Sprintf("DNS rcode %d", in.Rcode))
	}

	var records []mxRecord
	for _, ans := range in.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			records = append(records, mxRecord{host: strings.TrimSuffix(mx.Mx, "."), pref: mx.Preference, ttl: mx.Header().Ttl})
		}
	}

	if len(records) == 0 {
		return r.lookupImplicitMX(ctx, domain)
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].pref < records[j].pref })
	shuffleEqualPreference(records)

	minTTL := records[0].ttl
	dests := make([]Destination, len(records))
	for i, rec := range records {
		dests[i] = Destination{Host: rec.host, Port: 25}
		if rec.ttl < minTTL {
			minTTL = rec.ttl
		}
	}
	return dests, time.Duration(minTTL) * time.Second, nil
}

// mxRecord is one parsed MX answer: hostname, preference, and TTL.
type mxRecord struct {
	host string
	pref uint16
	ttl  uint32
}

func shuffleEqualPreference(records []mxRecord) {
	start := 0
	for i := 1; i <= len(records); i++ {
		if i == len(records) || records[i].pref != records[start].pref {
			rand.Shuffle(i-start, func(a, b int) {
				records[start+a], records[start+b] = records[start+b], records[start+a]
			})
			start = i
		}
	}
}

func (r *dnsResolver) lookupImplicitMX(ctx context.Context, domain string) ([]Destination, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, 0, mtaerrors.Wrap(mtaerrors.Transient, 0, "A query failed", err)
	}
	if in.Rcode == dns.RcodeNameError {
		return nil, 0, mtaerrors.New(mtaerrors.Permanent, 0, "domain has no MX or A record")
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, mtaerrors.New(mtaerrors.Transient, 0, fmt.Sprintf("DNS rcode %d", in.Rcode))
	}
	var ttl uint32 = 300
	var dests []Destination
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			dests = append(dests, Destination{Host: a.A.String(), Port: 25})
			ttl = a.Header().Ttl
		}
	}
	if len(dests) == 0 {
		return nil, 0, mtaerrors.New(mtaerrors.Permanent, 0, "domain has no MX or A record")
	}
	return dests, time.Duration(ttl) * time.Second, nil
}
