// Package edge is the SMTP listener spec.md §4.4 describes: a bounded
// worker pool accepting connections, enforcing per-IP and global
// connection limits and a per-IP rate limit, then handing each
// connection to internal/smtpserver for the protocol state machine.
//
// Grounded on the teacher's internal/smtp.SMTPServer (atomic global
// connection counter, a mutex-guarded per-IP map, a sliding one-minute
// rate-limit map, a WaitGroup-backed graceful Stop) generalized from a
// single fixed Postgres-backed alias lookup into a Validator/Enqueuer
// pair the embedding program supplies.
package edge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0va23/go-proxyprotocol"

	"github.com/webrana/gomta/internal/metrics"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/smtpserver"
)

// Config holds the edge's listening and connection-limiting parameters.
type Config struct {
	ListenAddr          string
	MaxConnections      int
	MaxConnectionsPerIP int
	RateLimitPerMinute  int           // 0 disables rate limiting
	ConnectionTimeout   time.Duration // per-session idle/overall deadline
	ProxyProtocol       bool          // trust a PROXY protocol v1/v2 header ahead of SMTP traffic
	ProxyProtocolTimeout time.Duration

	SMTP smtpserver.Config // passed through to each Session
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// Server accepts SMTP connections and runs one smtpserver.Session per
// connection, within the bounded worker pool spec.md §4.4 requires.
type Server struct {
	config    Config
	validator smtpserver.Validator
	enqueuer  smtpserver.Enqueuer
	idGen     func() string
	log       *slog.Logger

	listener net.Listener

	activeConns int64
	running     atomic.Bool

	ipConnMu    sync.Mutex
	ipConns     map[string]int

	ipRateMu sync.Mutex
	ipRate   map[string]*rateLimitEntry

	wg sync.WaitGroup
}

// NewServer builds a Server. idGen is handed to each
// smtpserver.Session as given; no default is substituted when it is nil.
func NewServer(config Config, validator smtpserver.Validator, enqueuer smtpserver.Enqueuer, idGen func() string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		validator: validator,
		enqueuer:  enqueuer,
		idGen:     idGen,
		log:       logger,
		ipConns:   make(map[string]int),
		ipRate:    make(map[string]*rateLimitEntry),
	}
}

// ListenAndServe binds the listener, optionally wraps it for PROXY
// protocol, and runs the accept loop until ctx is cancelled. It
// blocks until the accept loop exits.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("edge: listen %s: %w", s.config.ListenAddr, err)
	}

	if s.config.ProxyProtocol {
		timeout := s.config.ProxyProtocolTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ln = &proxyprotocol.Listener{Listener: ln, Timeout: timeout}
	}

	s.listener = ln
	s.running.Store(true)
	s.log.Info("edge: listening", "addr", s.config.ListenAddr, "proxy_protocol", s.config.ProxyProtocol)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Warn("edge: accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Drain stops accepting new connections and waits up to grace for
// in-flight sessions to finish, per spec.md §4.4's graceful-shutdown
// requirement.
func (s *Server) Drain(grace time.Duration) {
	s.running.Store(false)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("edge: drained all sessions")
	case <-time.After(grace):
		s.log.Warn("edge: drain timed out, sessions still in flight")
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	ip := remoteIP(conn)
	metrics.EdgeConnectionsTotal.Inc()

	if s.config.RateLimitPerMinute > 0 && !s.checkRateLimit(ip) {
		s.reject(conn, "rate_limit")
		return
	}
	if !s.acquireGlobal() {
		s.reject(conn, "max_connections")
		return
	}
	metrics.EdgeConnectionsActive.Inc()
	defer func() {
		s.releaseGlobal()
		metrics.EdgeConnectionsActive.Dec()
	}()

	if s.config.MaxConnectionsPerIP > 0 && !s.acquireIP(ip) {
		s.reject(conn, "max_connections_per_ip")
		return
	}
	defer s.releaseIP(ip)

	if s.config.ConnectionTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout))
	}

	session := smtpserver.NewSession(conn, s.config.SMTP, s.validator, s.enqueuer, s.idGen, reverseDNS(ip))
	session.Run(ctx)
}

func (s *Server) reject(conn net.Conn, reason string) {
	metrics.EdgeConnectionsRejected.WithLabelValues(reason).Inc()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.Write(reply.ServiceUnavailable.Bytes())
	conn.Close()
}

func (s *Server) acquireGlobal() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if s.config.MaxConnections > 0 && current >= int64(s.config.MaxConnections) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseGlobal() {
	atomic.AddInt64(&s.activeConns, -1)
}

func (s *Server) acquireIP(ip string) bool {
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()
	if s.ipConns[ip] >= s.config.MaxConnectionsPerIP {
		return false
	}
	s.ipConns[ip]++
	return true
}

func (s *Server) releaseIP(ip string) {
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()
	if s.ipConns[ip] <= 1 {
		delete(s.ipConns, ip)
	} else {
		s.ipConns[ip]--
	}
}

func (s *Server) checkRateLimit(ip string) bool {
	s.ipRateMu.Lock()
	defer s.ipRateMu.Unlock()

	now := time.Now()
	entry, ok := s.ipRate[ip]
	if !ok || now.After(entry.resetTime) {
		s.ipRate[ip] = &rateLimitEntry{count: 1, resetTime: now.Add(time.Minute)}
		return true
	}
	if entry.count >= s.config.RateLimitPerMinute {
		return false
	}
	entry.count++
	return true
}

// IsRunning reports whether the accept loop is active, for
// internal/health's EdgeHealthChecker.
func (s *Server) IsRunning() bool { return s.running.Load() }

// GetActiveConnections reports the current global connection count,
// for internal/health's EdgeHealthChecker.
func (s *Server) GetActiveConnections() int64 { return atomic.LoadInt64(&s.activeConns) }

// PerformEHLOCheck dials the edge's own listener and runs a loopback
// EHLO, for internal/health's EdgeEHLOChecker.
func (s *Server) PerformEHLOCheck(ctx context.Context) error {
	if !s.running.Load() {
		return fmt.Errorf("edge: not running")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("edge: dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("edge: read greeting: %w", err)
	}
	if n < 3 || string(buf[:3]) != "220" {
		return fmt.Errorf("edge: unexpected greeting %q", string(buf[:n]))
	}

	if _, err := conn.Write([]byte("EHLO healthcheck\r\n")); err != nil {
		return fmt.Errorf("edge: write EHLO: %w", err)
	}
	n, err = conn.Read(buf)
	if err != nil {
		return fmt.Errorf("edge: read EHLO response: %w", err)
	}
	if n < 3 || string(buf[:3]) != "250" {
		return fmt.Errorf("edge: unexpected EHLO response %q", string(buf[:n]))
	}

	conn.Write([]byte("QUIT\r\n"))
	return nil
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// reverseDNS resolves ip's PTR record with a short bound, returning ""
// on failure or timeout rather than blocking the session (spec.md
// §4.2: the session itself never blocks on DNS).
func reverseDNS(ip string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var r net.Resolver
	names, err := r.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}

// TLSConfigFromCertPair loads a certificate/key pair into a
// *tls.Config suitable for smtpserver.Config.TLSConfig, or returns nil
// if either path is empty.
func TLSConfigFromCertPair(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("edge: load TLS cert/key: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Addr returns the edge's bound listener address, or "" before
// ListenAndServe has bound it.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
