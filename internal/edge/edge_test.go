package edge

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/smtpserver"
)

type acceptAllValidator struct{ smtpserver.NopValidator }

type captureEnqueuer struct {
	ids []string
}

func (e *captureEnqueuer) Enqueue(ctx context.Context, env *envelope.Envelope) (string, error) {
	e.ids = append(e.ids, "queued")
	return "queued-id", nil
}

func startServer(t *testing.T, cfg Config) (*Server, func()) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SMTP.Hostname = "mail.example.test"
	cfg.SMTP.MaxMessageSize = 1024
	cfg.SMTP.MaxRecipients = 10

	srv := NewServer(cfg, acceptAllValidator{}, &captureEnqueuer{}, func() string { return "fixed-id" }, nil)

	ready := make(chan struct{})
	go func() {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			t.Errorf("listen: %v", err)
			close(ready)
			return
		}
		srv.listener = ln
		srv.running.Store(true)
		close(ready)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go srv.handleConnection(context.Background(), conn)
		}
	}()
	<-ready

	return srv, func() { srv.Drain(time.Second) }
}

func dialAndGreet(t *testing.T, addr string) (net.Conn, *textproto.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tp := textproto.NewReader(bufio.NewReader(conn))
	if _, err := tp.ReadLine(); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	return conn, tp
}

func TestServerAcceptsConnectionWithinLimit(t *testing.T) {
	srv, stop := startServer(t, Config{MaxConnections: 2})
	defer stop()

	conn, tp := dialAndGreet(t, srv.Addr())
	defer conn.Close()

	conn.Write([]byte("EHLO client.example\r\n"))
	line, err := tp.ReadLine()
	if err != nil {
		t.Fatalf("read EHLO response: %v", err)
	}
	if !strings.HasPrefix(line, "250") {
		t.Fatalf("expected 250 response, got %q", line)
	}
}

func TestServerRejectsBeyondMaxConnections(t *testing.T) {
	srv, stop := startServer(t, Config{MaxConnections: 1})
	defer stop()

	held, _ := dialAndGreet(t, srv.Addr())
	defer held.Close()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), reply.ServiceUnavailable.String()[:3]) {
		t.Fatalf("expected a service-unavailable reply, got %q", string(buf[:n]))
	}
}

func TestServerRejectsBeyondPerIPLimit(t *testing.T) {
	srv, stop := startServer(t, Config{MaxConnections: 10, MaxConnectionsPerIP: 1})
	defer stop()

	held, _ := dialAndGreet(t, srv.Addr())
	defer held.Close()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "421") {
		t.Fatalf("expected a 421 rejection, got %q", string(buf[:n]))
	}
}

func TestServerRejectsBeyondRateLimit(t *testing.T) {
	srv, stop := startServer(t, Config{MaxConnections: 10, RateLimitPerMinute: 1})
	defer stop()

	first, _ := dialAndGreet(t, srv.Addr())
	defer first.Close()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "421") {
		t.Fatalf("expected a 421 rejection from the rate limiter, got %q", string(buf[:n]))
	}
}

func TestAcquireAndReleaseIPTracksConcurrentCount(t *testing.T) {
	srv := NewServer(Config{MaxConnectionsPerIP: 2}, acceptAllValidator{}, &captureEnqueuer{}, nil, nil)

	if !srv.acquireIP("1.2.3.4") {
		t.Fatal("expected first acquire to succeed")
	}
	if !srv.acquireIP("1.2.3.4") {
		t.Fatal("expected second acquire to succeed")
	}
	if srv.acquireIP("1.2.3.4") {
		t.Fatal("expected third acquire to fail beyond the per-IP limit")
	}
	srv.releaseIP("1.2.3.4")
	if !srv.acquireIP("1.2.3.4") {
		t.Fatal("expected acquire to succeed again after a release")
	}
}

func TestCheckRateLimitResetsAfterWindow(t *testing.T) {
	srv := NewServer(Config{RateLimitPerMinute: 1}, acceptAllValidator{}, &captureEnqueuer{}, nil, nil)

	if !srv.checkRateLimit("5.6.7.8") {
		t.Fatal("expected first request within the window to pass")
	}
	if srv.checkRateLimit("5.6.7.8") {
		t.Fatal("expected second request within the same window to be rejected")
	}

	srv.ipRateMu.Lock()
	srv.ipRate["5.6.7.8"].resetTime = time.Now().Add(-time.Second)
	srv.ipRateMu.Unlock()

	if !srv.checkRateLimit("5.6.7.8") {
		t.Fatal("expected a request after the window reset to pass")
	}
}
