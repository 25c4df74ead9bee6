package envelope

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestFlattenParseRoundTrip checks spec.md §8: flatten(parse(stream))
// == stream, for header/body combinations free of folded lines (folded
// continuations are covered separately since they aren't generated
// symmetrically by Flatten).
func TestFlattenParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 5).Draw(t, "num_headers")
		var headers []Header
		for i := 0; i < n; i++ {
			name := rapid.StringMatching(`[A-Za-z][A-Za-z0-9-]{0,15}`).Draw(t, "name")
			value := rapid.StringMatching(`[A-Za-z0-9 .@]{0,30}`).Draw(t, "value")
			headers = append(headers, Header{Name: name, Value: value})
		}
		body := []byte(rapid.StringMatching(`[A-Za-z0-9 .\r\n]{0,50}`).Draw(t, "body"))

		e := &Envelope{Headers: headers, Body: body}
		stream := e.Flatten()

		gotHeaders, gotBody := Parse(stream)
		got := (&Envelope{Headers: gotHeaders, Body: gotBody}).Flatten()

		if !bytes.Equal(got, stream) {
			t.Fatalf("round trip mismatch:\n got=%q\nwant=%q", got, stream)
		}
	})
}

func TestParseFoldedHeader(t *testing.T) {
	stream := []byte("Subject: hello\r\n world\r\nFrom: a@b.com\r\n\r\nbody")
	headers, body := Parse(stream)
	if len(headers) != 2 {
		t.Fatalf("want 2 headers, got %d: %+v", len(headers), headers)
	}
	if headers[0].Name != "Subject" || headers[0].Value != "hello\r\n world" {
		t.Fatalf("unexpected folded header: %+v", headers[0])
	}
	if string(body) != "body" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := New("a@b.com", ReceivedInfo{ClientIP: "10.0.0.1"})
	e.AddRecipient("c@d.com")
	e.PrependHeader("X-Test", "1")
	e.Body = []byte("hi")

	c := e.Clone()
	c.Recipients[0] = "changed@d.com"
	c.Headers[0].Value = "changed"
	c.Body[0] = 'H'

	if e.Recipients[0] != "c@d.com" {
		t.Fatalf("clone mutation leaked into recipients: %v", e.Recipients)
	}
	if e.Headers[0].Value != "1" {
		t.Fatalf("clone mutation leaked into headers: %v", e.Headers)
	}
	if e.Body[0] != 'h' {
		t.Fatalf("clone mutation leaked into body: %v", e.Body)
	}
}

func TestParseMailbox(t *testing.T) {
	cases := []struct {
		addr    string
		wantErr bool
	}{
		{"user@example.com", false},
		{"user.name+tag@sub.example.com", false},
		{"", true},
		{"not-an-address", true},
		{"user@", true},
	}
	for _, c := range cases {
		_, err := ParseMailbox(c.addr)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseMailbox(%q) error=%v, wantErr=%v", c.addr, err, c.wantErr)
		}
	}
}

func TestParseMailboxLengthLimits(t *testing.T) {
	longLocal := make([]byte, 65)
	for i := range longLocal {
		longLocal[i] = 'a'
	}
	addr := string(longLocal) + "@example.com"
	if _, err := ParseMailbox(addr); err == nil {
		t.Fatalf("expected error for local-part exceeding 64 octets")
	}
}

func TestDomainOf(t *testing.T) {
	if got := DomainOf("user@example.com"); got != "example.com" {
		t.Fatalf("DomainOf = %q", got)
	}
	if got := DomainOf("no-at-sign"); got != "" {
		t.Fatalf("DomainOf = %q, want empty", got)
	}
}
