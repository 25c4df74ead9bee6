package smtpclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/wire"
)

// scriptedReply matches the next inbound command line by prefix and
// writes back the given raw reply bytes.
type scriptedReply struct {
	matchPrefix string
	reply       string
}

func runFakeServer(conn net.Conn, script []scriptedReply) {
	go func() {
		defer conn.Close()
		br := bufio.NewReader(conn)
		conn.Write([]byte("220 fake.example.com ESMTP ready\r\n"))
		i := 0
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if i < len(script) && strings.HasPrefix(strings.ToUpper(line), script[i].matchPrefix) {
				conn.Write([]byte(script[i].reply))
				i++
				continue
			}
			conn.Write([]byte("250 OK\r\n"))
		}
	}()
}

// newPipeClient builds a *Client over one end of a net.Pipe, already
// past the banner, for tests that don't need full Dial (which would
// require a real TCP listener).
func newPipeClient(t *testing.T, config Config) (*Client, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := &Client{conn: clientConn, r: wire.NewReader(clientConn), config: config, lastUsed: time.Now()}
	return c, serverConn
}

func TestEhloFallbackToHelo(t *testing.T) {
	c, serverConn := newPipeClient(t, Config{LocalName: "client.example.com", CommandTimeout: 2 * time.Second})
	defer c.conn.Close()
	runFakeServer(serverConn, []scriptedReply{
		{"EHLO", "500 command not recognized\r\n"},
		{"HELO", "250 fake.example.com\r\n"},
	})

	if err := c.expect(220); err != nil {
		t.Fatalf("banner read failed: %v", err)
	}
	if err := c.ehloOrHelo(); err != nil {
		t.Fatalf("ehlo/helo failed: %v", err)
	}
	if c.supportsExtension("PIPELINING") {
		t.Fatalf("HELO fallback should not report any ESMTP extensions")
	}
}

func TestDeliverPipelinedAllSucceed(t *testing.T) {
	c, serverConn := newPipeClient(t, Config{CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second})
	defer c.conn.Close()
	runFakeServer(serverConn, []scriptedReply{
		{"EHLO", "250-fake.example.com\r\n250 PIPELINING\r\n"},
		{"MAIL", "250 OK\r\n"},
		{"RCPT", "250 OK\r\n"},
		{"DATA", "354 Start mail input\r\n"},
		{".", "250 Queued\r\n"},
	})

	if err := c.expect(220); err != nil {
		t.Fatalf("banner read failed: %v", err)
	}
	if err := c.ehloOrHelo(); err != nil {
		t.Fatalf("ehlo failed: %v", err)
	}

	e := &envelope.Envelope{Sender: "a@b.com", Recipients: []string{"c@d.com"}, Body: []byte("hi")}
	result, err := c.Deliver(context.Background(), e)
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if !result.AllSucceeded() {
		t.Fatalf("expected all recipients to succeed: %+v", result)
	}
}

func TestDeliverAllRecipientsFailSendsRSET(t *testing.T) {
	c, serverConn := newPipeClient(t, Config{CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second})
	defer c.conn.Close()
	runFakeServer(serverConn, []scriptedReply{
		{"EHLO", "250-fake.example.com\r\n250 PIPELINING\r\n"},
		{"MAIL", "250 OK\r\n"},
		{"RCPT", "550 No such user\r\n"},
		{"RSET", "250 OK\r\n"},
	})

	if err := c.expect(220); err != nil {
		t.Fatalf("banner read failed: %v", err)
	}
	if err := c.ehloOrHelo(); err != nil {
		t.Fatalf("ehlo failed: %v", err)
	}

	e := &envelope.Envelope{Sender: "a@b.com", Recipients: []string{"c@d.com"}, Body: []byte("hi")}
	result, err := c.Deliver(context.Background(), e)
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if result.AllSucceeded() {
		t.Fatalf("expected failure, got success: %+v", result)
	}
	if !result.Recipients[0].IsPermanent() {
		t.Fatalf("expected permanent failure for 550, got %+v", result.Recipients[0])
	}
}
