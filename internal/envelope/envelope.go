// Package envelope models the transfer envelope spec.md §3 defines: a
// sender mailbox, an ordered list of recipients, ordered header fields,
// an opaque body, and the metadata recorded about the session that
// received it.
//
// Grounded on the teacher's internal/smtp.DataResult (the shape of what
// a completed DATA transaction produces) generalized to the ordered
// header/recipient lists spec.md §3 calls for, and on
// gopistolet-gopistolet/smtp/mailaddress.go for mailbox syntax
// validation (RFC 5321 §4.1.2 local-part/domain length limits), reusing
// net/mail for RFC 5322 address grammar rather than hand-rolling a
// parser.
package envelope

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
)

// SecurityLevel records what, if any, transport security was in effect
// when the envelope's DATA was received.
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecurityTLS
)

func (s SecurityLevel) String() string {
	if s == SecurityTLS {
		return "tls"
	}
	return "none"
}

// Protocol names the receiving protocol, distinguishing an ESMTP
// session from one that never issued EHLO, and from delivery accepted
// over the HTTP edge.
type Protocol int

const (
	ProtocolSMTP Protocol = iota
	ProtocolESMTP
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolESMTP:
		return "ESMTP"
	case ProtocolHTTP:
		return "HTTP"
	default:
		return "SMTP"
	}
}

// ReceivedInfo is the session metadata attached to an envelope at
// reception time, per spec.md §3's "received-session metadata" field.
type ReceivedInfo struct {
	ClientIP        string
	ClientHostname  string // reverse-DNS name, "" if not resolved
	EHLOName        string // the argument given to HELO/EHLO
	Security        SecurityLevel
	AuthIdentity    string // SASL authenticated identity, "" if none
	Protocol        Protocol
}

// Header is one ordered header field. Order is preserved because the
// queue's Received-header policy (internal/policy) prepends to this
// list and re-flattening must reproduce the original byte stream for
// any header it doesn't touch.
type Header struct {
	Name  string
	Value string
}

// Envelope is the unit of work passed from reception through the queue
// to delivery. The sender may be empty (the null reverse-path used by
// bounces); recipients may repeat, since deduplication is a policy
// decision, not an envelope invariant.
type Envelope struct {
	Sender     string
	Recipients []string
	Headers    []Header
	Body       []byte
	Received   ReceivedInfo
}

// New builds an empty envelope for sender, recorded with received.
func New(sender string, received ReceivedInfo) *Envelope {
	return &Envelope{Sender: sender, Received: received}
}

// AddRecipient appends rcpt to the recipient list, duplicates allowed.
func (e *Envelope) AddRecipient(rcpt string) {
	e.Recipients = append(e.Recipients, rcpt)
}

// PrependHeader inserts a header at the front of the header list, the
// position RFC 5321 requires for trace headers like Received.
func (e *Envelope) PrependHeader(name, value string) {
	e.Headers = append([]Header{{Name: name, Value: value}}, e.Headers...)
}

// Header returns the value of the first header matching name
// case-insensitively, and whether it was found.
func (e *Envelope) Header(name string) (string, bool) {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy, used by policies that split one envelope
// into several (e.g. per-recipient fan-out) without aliasing slices.
func (e *Envelope) Clone() *Envelope {
	c := &Envelope{
		Sender:   e.Sender,
		Received: e.Received,
	}
	c.Recipients = append([]string(nil), e.Recipients...)
	c.Headers = append([]Header(nil), e.Headers...)
	c.Body = append([]byte(nil), e.Body...)
	return c
}

// Flatten renders the envelope's headers and body as a single RFC
// 5322 message stream with CRLF line endings, the form written to
// storage and handed to the client session for relay. Flatten and
// Parse round-trip for streams in the form Flatten writes:
// Flatten(Parse(stream)) == stream when every line before the first
// empty line is a "Name: value" header (one space after the colon, no
// whitespace around the name) or a folded continuation of one. Other
// streams are not reproduced byte for byte: Parse's result flattens
// back in Flatten's form.
func (e *Envelope) Flatten() []byte {
	var b bytes.Buffer
	for _, h := range e.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	b.Write(e.Body)
	return b.Bytes()
}

// Parse splits a raw message stream (as produced by DATA, after
// dot-unstuffing) into ordered headers and an opaque body. Folded
// header lines (continuation lines beginning with SP or HTAB) are
// preserved verbatim as part of the previous header's value, so
// Flatten can reproduce them unchanged.
func Parse(stream []byte) ([]Header, []byte) {
	lines := bytes.Split(stream, []byte("\r\n"))
	var headers []Header
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			i++
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value = last.Value + "\r\n" + string(line)
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			// Not a well-formed header line; treat the remainder of the
			// stream as body, matching a permissive MTA rather than
			// rejecting an already-accepted message.
			break
		}
		name := string(bytes.TrimSpace(line[:idx]))
		value := line[idx+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:] // the one space Flatten writes after the colon
		}
		headers = append(headers, Header{Name: name, Value: string(value)})
	}
	body := bytes.Join(lines[i:], []byte("\r\n"))
	return headers, body
}

// ParseEnvelope builds an Envelope from a raw message stream plus the
// transaction's sender, recipients and session metadata, the shape
// produced at the end of a DATA command or an HTTP edge submission.
func ParseEnvelope(sender string, recipients []string, stream []byte, received ReceivedInfo) *Envelope {
	headers, body := Parse(stream)
	return &Envelope{
		Sender:     sender,
		Recipients: append([]string(nil), recipients...),
		Headers:    headers,
		Body:       body,
		Received:   received,
	}
}

// Mailbox is a validated RFC 5321 mailbox: local-part and domain.
type Mailbox struct {
	Local  string
	Domain string
}

func (m Mailbox) String() string {
	return m.Local + "@" + m.Domain
}

// ParseMailbox validates addr as an RFC 5321 mailbox, enforcing the
// length limits of §4.5.3.1: local-part <= 64 octets, domain <= 253,
// and the reverse-path/forward-path total <= 254. An empty addr (the
// null reverse-path, "<>") is rejected here; callers that accept it
// (MAIL FROM) must check for it before calling ParseMailbox.
func ParseMailbox(addr string) (Mailbox, error) {
	if addr == "" {
		return Mailbox{}, fmt.Errorf("envelope: empty mailbox")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return Mailbox{}, fmt.Errorf("envelope: invalid mailbox %q: %w", addr, err)
	}
	idx := strings.LastIndex(parsed.Address, "@")
	if idx < 0 {
		return Mailbox{}, fmt.Errorf("envelope: mailbox %q missing domain", addr)
	}
	m := Mailbox{Local: parsed.Address[:idx], Domain: parsed.Address[idx+1:]}
	if len(m.Local) > 64 {
		return Mailbox{}, fmt.Errorf("envelope: local-part of %q exceeds 64 octets", addr)
	}
	if len(m.Domain) > 253 {
		return Mailbox{}, fmt.Errorf("envelope: domain of %q exceeds 253 octets", addr)
	}
	if len(m.Local)+len(m.Domain)+1 > 254 {
		return Mailbox{}, fmt.Errorf("envelope: mailbox %q exceeds 254 octets", addr)
	}
	return m, nil
}

// DomainOf returns the domain part of a mailbox string, used by the
// relay manager and the domain-split policy to group recipients
// without a full parse when the caller already trusts the syntax.
func DomainOf(addr string) string {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 {
		return ""
	}
	return addr[idx+1:]
}
