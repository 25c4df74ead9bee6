// Package policy implements the synchronous, pre-queue envelope
// transforms of spec.md §4.8: the six concrete policies plus the
// Policy interface they satisfy.
//
// The source this design is distilled from expressed policies as
// subclasses overriding an apply() method; Go has no subclassing, so
// Policy is an interface and each policy is its own small type,
// following the teacher's convention of one exported type per
// concern rather than a single configurable struct. Regex
// substitution (Forward) uses stdlib regexp: no ecosystem regex
// engine appears anywhere in the pack, making this the one place a
// standard-library choice needs no apology.
package policy

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/reply"
)

// Policy transforms one envelope into zero or more envelopes to queue,
// or rejects it outright. A non-nil Reply means the transaction
// should be refused with that reply and the envelope slice is
// ignored; a nil Reply means apply the returned envelopes (usually
// exactly one, except for the split policies).
type Policy interface {
	Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply)
}

// Chain applies each policy in order, threading the envelope(s)
// produced by one policy into the next. A policy that rejects stops
// the chain immediately and its reply is returned.
func Chain(policies []Policy, e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	pending := []*envelope.Envelope{e}
	for _, p := range policies {
		var next []*envelope.Envelope
		for _, env := range pending {
			out, rej := p.Apply(env)
			if rej != nil {
				return nil, rej
			}
			next = append(next, out...)
		}
		pending = next
	}
	return pending, nil
}

// AddDateHeader inserts a Date header in RFC 5322 format, local
// timezone, if the envelope doesn't already carry one.
type AddDateHeader struct {
	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (p AddDateHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	if _, ok := e.Header("Date"); ok {
		return []*envelope.Envelope{e}, nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	e.PrependHeader("Date", now().Format(time.RFC1123Z))
	return []*envelope.Envelope{e}, nil
}

// AddMessageIdHeader inserts a Message-Id of the form
// <timestamp.random@hostname> if the envelope doesn't already carry
// one.
type AddMessageIdHeader struct {
	Hostname string
	Now      func() time.Time
	Rand     func() int64
}

func (p AddMessageIdHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	if _, ok := e.Header("Message-Id"); ok {
		return []*envelope.Envelope{e}, nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	randFn := rand.Int63
	if p.Rand != nil {
		randFn = p.Rand
	}
	id := fmt.Sprintf("<%d.%x@%s>", now().UnixNano(), randFn(), p.Hostname)
	e.PrependHeader("Message-Id", id)
	return []*envelope.Envelope{e}, nil
}

// AddReceivedHeader always prepends a Received header naming the
// sending IP, reverse name, EHLO string, local hostname, protocol,
// recipient (when the envelope has exactly one), id, and date.
type AddReceivedHeader struct {
	Hostname string
	QueueID  string
	Now      func() time.Time
}

func (p AddReceivedHeader) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	from := e.Received.EHLOName
	if e.Received.ClientHostname != "" {
		from = fmt.Sprintf("%s (%s [%s])", e.Received.EHLOName, e.Received.ClientHostname, e.Received.ClientIP)
	} else if e.Received.ClientIP != "" {
		from = fmt.Sprintf("%s ([%s])", e.Received.EHLOName, e.Received.ClientIP)
	}

	var forPart string
	if len(e.Recipients) == 1 {
		forPart = fmt.Sprintf(" for <%s>", e.Recipients[0])
	}

	value := fmt.Sprintf("from %s by %s (%s) with id %s%s; %s",
		from, p.Hostname, e.Received.Protocol, p.QueueID, forPart, now().Format(time.RFC1123Z))
	e.PrependHeader("Received", value)
	return []*envelope.Envelope{e}, nil
}

// ForwardRule is one ordered regex substitution.
type ForwardRule struct {
	Match   *regexp.Regexp
	Replace string
}

// Forward applies the first matching rule (in order) to each
// recipient; a recipient matching no rule passes through unchanged.
// At most one rule applies per recipient.
type Forward struct {
	Rules []ForwardRule
}

func (p Forward) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	out := e.Clone()
	for i, rcpt := range out.Recipients {
		for _, rule := range p.Rules {
			if rule.Match.MatchString(rcpt) {
				out.Recipients[i] = rule.Match.ReplaceAllString(rcpt, rule.Replace)
				break
			}
		}
	}
	return []*envelope.Envelope{out}, nil
}

// RecipientSplit replaces one envelope with N, one per recipient,
// each carrying the full header/body but exactly one recipient.
type RecipientSplit struct{}

func (p RecipientSplit) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	if len(e.Recipients) <= 1 {
		return []*envelope.Envelope{e}, nil
	}
	out := make([]*envelope.Envelope, 0, len(e.Recipients))
	for _, rcpt := range e.Recipients {
		c := e.Clone()
		c.Recipients = []string{rcpt}
		out = append(out, c)
	}
	return out, nil
}

// RecipientDomainSplit partitions recipients by domain, producing one
// envelope per distinct domain. Recipient order within each partition
// matches the order they appeared in the original envelope.
type RecipientDomainSplit struct{}

func (p RecipientDomainSplit) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	order := []string{}
	byDomain := map[string][]string{}
	for _, rcpt := range e.Recipients {
		domain := strings.ToLower(envelope.DomainOf(rcpt))
		if _, seen := byDomain[domain]; !seen {
			order = append(order, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}
	out := make([]*envelope.Envelope, 0, len(order))
	for _, domain := range order {
		c := e.Clone()
		c.Recipients = byDomain[domain]
		out = append(out, c)
	}
	return out, nil
}
