package smtpserver

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/webrana/gomta/internal/envelope"
)

type stubEnqueuer struct {
	id  string
	err error
}

func (s stubEnqueuer) Enqueue(ctx context.Context, e *envelope.Envelope) (string, error) {
	return s.id, s.err
}

func runSession(t *testing.T, config Config, enqueuer Enqueuer, script []string) []string {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	if config.Hostname == "" {
		config.Hostname = "mx.example.com"
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 1 << 20
	}
	s := NewSession(serverConn, config, nil, enqueuer, func() string { return "Q1" }, "")

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	br := bufio.NewReader(clientConn)
	var replies []string
	readReply := func() {
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			replies = append(replies, strings.TrimRight(line, "\r\n"))
			if len(line) >= 4 && line[3] == ' ' {
				return
			}
		}
	}
	readReply() // banner

	for _, cmd := range script {
		clientConn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		clientConn.Write([]byte(cmd + "\r\n"))
		readReply()
	}
	clientConn.Close()
	<-done
	return replies
}

func TestFullTransaction(t *testing.T) {
	replies := runSession(t, Config{}, stubEnqueuer{id: "Q1"}, []string{
		"EHLO client.example.com",
		"MAIL FROM:<sender@example.com>",
		"RCPT TO:<rcpt@example.com>",
		"DATA",
		"Subject: hi\r\n\r\nbody\r\n.",
		"QUIT",
	})
	if len(replies) == 0 {
		t.Fatal("no replies received")
	}
	last := replies[len(replies)-1]
	if !strings.HasPrefix(last, "221") {
		t.Fatalf("expected final 221, got %q (all: %v)", last, replies)
	}
	foundQueued := false
	for _, r := range replies {
		if strings.HasPrefix(r, "250") && strings.Contains(r, "Q1") {
			foundQueued = true
		}
	}
	if !foundQueued {
		t.Fatalf("expected a 250 reply mentioning queue id, got %v", replies)
	}
}

func TestRcptBeforeMailRejected(t *testing.T) {
	replies := runSession(t, Config{}, stubEnqueuer{id: "Q1"}, []string{
		"EHLO client.example.com",
		"RCPT TO:<rcpt@example.com>",
		"QUIT",
	})
	found := false
	for _, r := range replies {
		if strings.HasPrefix(r, "503") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 503 for RCPT without MAIL, got %v", replies)
	}
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	replies := runSession(t, Config{}, stubEnqueuer{id: "Q1"}, []string{
		"EHLO client.example.com",
		"MAIL FROM:<sender@example.com>",
		"DATA",
		"QUIT",
	})
	found := false
	for _, r := range replies {
		if strings.HasPrefix(r, "554") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 554 for DATA without recipients, got %v", replies)
	}
}

func TestEhloAdvertisesSize(t *testing.T) {
	replies := runSession(t, Config{MaxMessageSize: 12345}, stubEnqueuer{id: "Q1"}, []string{
		"EHLO client.example.com",
		"QUIT",
	})
	found := false
	for _, r := range replies {
		if strings.Contains(r, "SIZE 12345") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SIZE capability in EHLO reply, got %v", replies)
	}
}
