package policy

import (
	"regexp"
	"testing"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/reply"
)

func fixedTime(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAddDateHeaderSkipsExisting(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	e.PrependHeader("Date", "already here")
	out, rej := AddDateHeader{Now: fixedTime(time.Unix(0, 0))}.Apply(e)
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	v, _ := out[0].Header("Date")
	if v != "already here" {
		t.Fatalf("Date header overwritten: %q", v)
	}
}

func TestAddDateHeaderInserts(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out, _ := AddDateHeader{Now: fixedTime(when)}.Apply(e)
	v, ok := out[0].Header("Date")
	if !ok || v == "" {
		t.Fatalf("Date header not inserted")
	}
}

func TestAddMessageIdHeaderSkipsExisting(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	e.PrependHeader("Message-Id", "<existing@host>")
	out, _ := AddMessageIdHeader{Hostname: "mail.example.com"}.Apply(e)
	v, _ := out[0].Header("Message-Id")
	if v != "<existing@host>" {
		t.Fatalf("Message-Id overwritten: %q", v)
	}
}

func TestAddMessageIdHeaderFormat(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	out, _ := AddMessageIdHeader{
		Hostname: "mail.example.com",
		Now:      fixedTime(time.Unix(1000, 0)),
		Rand:     func() int64 { return 42 },
	}.Apply(e)
	v, ok := out[0].Header("Message-Id")
	if !ok {
		t.Fatalf("Message-Id not inserted")
	}
	want := "<1000000000000.2a@mail.example.com>"
	if v != want {
		t.Fatalf("Message-Id = %q, want %q", v, want)
	}
}

func TestAddReceivedHeaderSingleRecipient(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{
		ClientIP:       "203.0.113.5",
		ClientHostname: "client.example.net",
		EHLOName:       "client.example.net",
		Protocol:       envelope.ProtocolESMTP,
	})
	e.AddRecipient("rcpt@example.com")
	out, _ := AddReceivedHeader{
		Hostname: "mx.example.com",
		QueueID:  "abc123",
		Now:      fixedTime(time.Unix(0, 0)),
	}.Apply(e)
	v, ok := out[0].Header("Received")
	if !ok {
		t.Fatalf("Received header not inserted")
	}
	for _, want := range []string{"203.0.113.5", "client.example.net", "mx.example.com", "ESMTP", "abc123", "rcpt@example.com"} {
		if !contains(v, want) {
			t.Errorf("Received header %q missing %q", v, want)
		}
	}
}

func TestForwardFirstMatchWins(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	e.AddRecipient("alice@old.example.com")
	e.AddRecipient("nomatch@other.com")
	f := Forward{Rules: []ForwardRule{
		{Match: regexp.MustCompile(`@old\.example\.com$`), Replace: "@new.example.com"},
		{Match: regexp.MustCompile(`^alice@`), Replace: "bob@"},
	}}
	out, _ := f.Apply(e)
	if out[0].Recipients[0] != "alice@new.example.com" {
		t.Fatalf("got %q", out[0].Recipients[0])
	}
	if out[0].Recipients[1] != "nomatch@other.com" {
		t.Fatalf("unexpected rewrite of non-matching recipient: %q", out[0].Recipients[1])
	}
}

func TestRecipientSplit(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	e.AddRecipient("x@example.com")
	e.AddRecipient("y@example.com")
	out, _ := RecipientSplit{}.Apply(e)
	if len(out) != 2 {
		t.Fatalf("want 2 envelopes, got %d", len(out))
	}
	for i, env := range out {
		if len(env.Recipients) != 1 {
			t.Fatalf("envelope %d has %d recipients, want 1", i, len(env.Recipients))
		}
	}
}

func TestRecipientSplitSingleRecipientNoop(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	e.AddRecipient("x@example.com")
	out, _ := RecipientSplit{}.Apply(e)
	if len(out) != 1 {
		t.Fatalf("want 1 envelope, got %d", len(out))
	}
}

func TestRecipientDomainSplit(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	e.AddRecipient("x@one.com")
	e.AddRecipient("y@two.com")
	e.AddRecipient("z@one.com")
	out, _ := RecipientDomainSplit{}.Apply(e)
	if len(out) != 2 {
		t.Fatalf("want 2 envelopes, got %d", len(out))
	}
	if len(out[0].Recipients) != 2 || out[0].Recipients[0] != "x@one.com" || out[0].Recipients[1] != "z@one.com" {
		t.Fatalf("unexpected one.com partition: %v", out[0].Recipients)
	}
	if len(out[1].Recipients) != 1 || out[1].Recipients[0] != "y@two.com" {
		t.Fatalf("unexpected two.com partition: %v", out[1].Recipients)
	}
}

func TestChainStopsOnRejection(t *testing.T) {
	e := envelope.New("a@b.com", envelope.ReceivedInfo{})
	calledAfter := false
	policies := []Policy{
		rejectAll{},
		trackingPolicy{called: &calledAfter},
	}
	_, rej := Chain(policies, e)
	if rej == nil {
		t.Fatalf("expected rejection")
	}
	if calledAfter {
		t.Fatalf("chain continued past a rejecting policy")
	}
}

type rejectAll struct{}

func (rejectAll) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	r := reply.MailboxUnavailable
	return nil, &r
}

type trackingPolicy struct{ called *bool }

func (p trackingPolicy) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	*p.called = true
	return []*envelope.Envelope{e}, nil
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
