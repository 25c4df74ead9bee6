// Package smtpserver implements the server-side SMTP session state
// machine of spec.md §4.2: banner, greeted, mail, rcpt, data, done,
// plus the validator hook points and the STARTTLS/AUTH extensions.
//
// Grounded on the teacher's internal/smtp.SMTPSession (same state-held-
// on-a-struct shape, same per-command read loop) generalized from a
// single fixed-alias receiver into a Validator-driven, queue-agnostic
// session: the teacher's "look up alias in Postgres" RCPT check
// becomes one possible Validator.OnRCPT implementation, and its
// dataCallback becomes the Enqueuer this package depends on as an
// interface rather than a concrete email-processor pipeline. AUTH
// support (absent from the teacher) is grounded on emersion/go-sasl,
// whose PLAIN/LOGIN/CRAM-MD5 server mechanisms line up exactly with
// spec.md §4.2's advertised set.
package smtpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/wire"
)

// State names a point in the session state machine.
type State int

const (
	StateBanner State = iota
	StateGreeted
	StateMail
	StateRcpt
	StateData
	StateDone
)

// Config holds the parameters a session needs that are constant across
// a listener's lifetime.
type Config struct {
	Hostname          string
	MaxMessageSize    int64
	MaxRecipients     int
	SessionTimeout    time.Duration
	TLSConfig         *tls.Config
	AuthMechanisms    []string // subset of "PLAIN", "LOGIN", "CRAM-MD5"
	RequireTLSForAuth bool     // refuse plaintext mechs without TLS; spec.md §4.2 default true
	Authenticate      PlainAuthenticator
}

// PlainAuthenticator verifies a username/password pair, returning nil
// on success; the session then records username as its authenticated
// identity.
type PlainAuthenticator func(ctx context.Context, identity, username, password string) error

// Enqueuer is the queue's ingestion contract from the edge's point of
// view (spec.md §4.5): enqueue succeeds with an id, or fails
// transient. A permanent rejection is expressed through a Validator
// instead, before Enqueue is ever called.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *envelope.Envelope) (id string, err error)
}

// Validator is the hook spec.md §4.2 grants a caller at each
// transition: connect, HELO/EHLO, MAIL, RCPT, DATA (pre-354),
// have_data (post-body, pre-enqueue), and handle_queued (post-
// enqueue). Returning a non-nil Reply overrides the default outgoing
// reply and, for the pre-commit hooks, rejects the transition.
// Implementations that don't care about a hook should embed
// NopValidator.
type Validator interface {
	OnConnect(ctx context.Context, remote net.Addr) *reply.Reply
	OnHELO(ctx context.Context, s *Session, domain string) *reply.Reply
	OnMAIL(ctx context.Context, s *Session, addr string, params map[string]string) *reply.Reply
	OnRCPT(ctx context.Context, s *Session, addr string, params map[string]string) *reply.Reply
	OnDATA(ctx context.Context, s *Session) *reply.Reply
	OnHaveData(ctx context.Context, s *Session, e *envelope.Envelope) *reply.Reply
	OnQueued(ctx context.Context, s *Session, id string, enqueueErr error) *reply.Reply
}

// NopValidator implements Validator with every hook a no-op (nil
// reply), suitable to embed when only a few hooks need overriding.
type NopValidator struct{}

func (NopValidator) OnConnect(context.Context, net.Addr) *reply.Reply                   { return nil }
func (NopValidator) OnHELO(context.Context, *Session, string) *reply.Reply              { return nil }
func (NopValidator) OnMAIL(context.Context, *Session, string, map[string]string) *reply.Reply {
	return nil
}
func (NopValidator) OnRCPT(context.Context, *Session, string, map[string]string) *reply.Reply {
	return nil
}
func (NopValidator) OnDATA(context.Context, *Session) *reply.Reply { return nil }
func (NopValidator) OnHaveData(context.Context, *Session, *envelope.Envelope) *reply.Reply {
	return nil
}
func (NopValidator) OnQueued(context.Context, *Session, string, error) *reply.Reply {
	return nil
}

// Session is one accepted connection's server-side state machine.
type Session struct {
	conn      net.Conn
	r         *wire.Reader
	config    Config
	validator Validator
	enqueuer  Enqueuer
	idGen     func() string

	state        State
	tlsActive         bool
	ehloName          string
	isESMTP           bool
	authIdentity      string
	authenticatedUser string

	mailFrom   string
	mailParams map[string]string
	recipients []string
	clientHost string
}

// NewSession wraps conn as a server session. remoteHostname is the
// result of a reverse-DNS lookup already performed by the edge (the
// session itself never blocks on DNS); pass "" if unavailable.
func NewSession(conn net.Conn, config Config, validator Validator, enqueuer Enqueuer, idGen func() string, remoteHostname string) *Session {
	if validator == nil {
		validator = NopValidator{}
	}
	return &Session{
		conn:       conn,
		r:          wire.NewReader(conn),
		config:     config,
		validator:  validator,
		enqueuer:   enqueuer,
		idGen:      idGen,
		state:      StateBanner,
		clientHost: remoteHostname,
	}
}

// Run drives the session to completion: banner, command loop, close.
// It returns only once the connection is done (QUIT, timeout, or I/O
// error); the caller is responsible for conn.Close() having already
// happened on error paths internal to Run, and should still call it
// once more defensively since it is idempotent on most net.Conn
// implementations.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	if rej := s.validator.OnConnect(ctx, s.conn.RemoteAddr()); rej != nil {
		s.writeReply(*rej)
		return
	}

	s.writeReply(reply.New(220, fmt.Sprintf("%s ESMTP ready", s.config.Hostname)))

	for {
		s.resetDeadline()
		line, err := s.r.ReadLine()
		if err != nil {
			if err != io.EOF {
				// idle/read timeout: emit 421 and close, per spec.md §4.2.
				s.writeReply(reply.NewEnhanced(421, "4.4.2", "Timeout waiting for input"))
			}
			return
		}
		if line == "" {
			continue
		}
		if done := s.handleLine(ctx, line); done {
			return
		}
	}
}

func (s *Session) resetDeadline() {
	if s.config.SessionTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.config.SessionTimeout))
	}
}

func (s *Session) handleLine(ctx context.Context, line string) (done bool) {
	cmd := wire.ParseCommand(line)
	switch cmd.Verb {
	case "HELO":
		s.handleHELO(ctx, cmd.Arg, false)
	case "EHLO":
		s.handleHELO(ctx, cmd.Arg, true)
	case "STARTTLS":
		s.handleSTARTTLS(ctx)
	case "AUTH":
		s.handleAUTH(ctx, cmd.Arg)
	case "MAIL":
		s.handleMAIL(ctx, cmd.Arg)
	case "RCPT":
		s.handleRCPT(ctx, cmd.Arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeReply(reply.OK)
	case "NOOP":
		s.writeReply(reply.OK)
	case "VRFY":
		s.writeReply(reply.CannotVRFY)
	case "QUIT":
		s.writeReply(reply.Closing)
		return true
	default:
		s.writeReply(reply.SyntaxError)
	}
	return false
}

func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.mailParams = nil
	s.recipients = nil
	if s.state != StateBanner {
		s.state = StateGreeted
	}
}

// capabilities builds the EHLO extension list for the session's
// current security state, per spec.md §4.2.
func (s *Session) capabilities() []string {
	caps := []string{"8BITMIME", "PIPELINING", "ENHANCEDSTATUSCODES"}
	caps = append(caps, fmt.Sprintf("SIZE %d", s.config.MaxMessageSize))
	if s.config.TLSConfig != nil && !s.tlsActive {
		caps = append(caps, "STARTTLS")
	}
	caps = append(caps, "SMTPUTF8")
	if len(s.config.AuthMechanisms) > 0 {
		caps = append(caps, "AUTH "+strings.Join(s.config.AuthMechanisms, " "))
	}
	return caps
}

func (s *Session) handleHELO(ctx context.Context, domain string, esmtp bool) {
	if rej := s.validator.OnHELO(ctx, s, domain); rej != nil {
		s.writeReply(*rej)
		return
	}
	s.ehloName = domain
	s.isESMTP = esmtp
	s.resetTransaction()
	s.state = StateGreeted

	if !esmtp {
		s.writeReply(reply.New(250, s.config.Hostname))
		return
	}
	caps := s.capabilities()
	lines := append([]string{s.config.Hostname}, caps...)
	s.writeReply(reply.Multiline(250, lines...))
}

func (s *Session) handleSTARTTLS(ctx context.Context) {
	if s.config.TLSConfig == nil {
		s.writeReply(reply.TLSNotAvailable)
		return
	}
	if s.tlsActive {
		s.writeReply(reply.BadSequence)
		return
	}
	s.writeReply(reply.New(220, "Ready to start TLS"))

	tlsConn := tls.Server(s.conn, s.config.TLSConfig)
	tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return
	}
	s.conn = tlsConn
	s.r = wire.NewReader(tlsConn)
	s.tlsActive = true

	// Security downgrades (plaintext AUTH advertisement, etc.) drop
	// since the capability set is recomputed on the next EHLO, and any
	// prior transaction state is discarded per spec.md §4.2.
	s.ehloName = ""
	s.state = StateBanner
	s.resetTransaction()
}

func (s *Session) handleMAIL(ctx context.Context, arg string) {
	if s.state < StateGreeted {
		s.writeReply(reply.BadSequence)
		return
	}
	addr, params, ok := parseMailRcptArg(arg, "FROM:")
	if !ok {
		s.writeReply(reply.SyntaxErrorParams)
		return
	}
	if sizeStr, present := params["SIZE"]; present {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
			if s.config.MaxMessageSize > 0 && size > s.config.MaxMessageSize {
				s.writeReply(reply.SizeExceeded)
				return
			}
		}
	}
	if addr != "" {
		if _, err := envelope.ParseMailbox(addr); err != nil {
			s.writeReply(reply.SyntaxErrorParams)
			return
		}
	}
	if rej := s.validator.OnMAIL(ctx, s, addr, params); rej != nil {
		s.writeReply(*rej)
		return
	}
	s.mailFrom = addr
	s.mailParams = params
	s.recipients = nil
	s.state = StateMail
	s.writeReply(reply.OK)
}

func (s *Session) handleRCPT(ctx context.Context, arg string) {
	if s.state != StateMail && s.state != StateRcpt {
		s.writeReply(reply.BadSequence)
		return
	}
	addr, params, ok := parseMailRcptArg(arg, "TO:")
	if !ok || addr == "" {
		s.writeReply(reply.SyntaxErrorParams)
		return
	}
	if _, err := envelope.ParseMailbox(addr); err != nil {
		s.writeReply(reply.SyntaxErrorParams)
		return
	}
	if s.config.MaxRecipients > 0 && len(s.recipients) >= s.config.MaxRecipients {
		s.writeReply(reply.New(452, "Too many recipients"))
		return
	}
	if rej := s.validator.OnRCPT(ctx, s, addr, params); rej != nil {
		s.writeReply(*rej)
		return
	}
	s.recipients = append(s.recipients, addr)
	s.state = StateRcpt
	s.writeReply(reply.OK)
}

func (s *Session) handleDATA(ctx context.Context) {
	if s.state != StateRcpt || len(s.recipients) == 0 {
		s.writeReply(reply.New(554, "No valid recipients"))
		return
	}
	if rej := s.validator.OnDATA(ctx, s); rej != nil {
		s.writeReply(*rej)
		return
	}
	s.writeReply(reply.StartMailInput)
	s.state = StateData

	body, err := s.r.ReadDotTerminated(s.config.MaxMessageSize)
	if err == wire.ErrBodyTooLarge {
		s.writeReply(reply.SizeExceeded)
		s.resetTransaction()
		return
	}
	if err != nil {
		return
	}

	e := envelope.ParseEnvelope(s.mailFrom, s.recipients, body, envelope.ReceivedInfo{
		ClientIP:       remoteIP(s.conn),
		ClientHostname: s.clientHost,
		EHLOName:       s.ehloName,
		Security:       s.securityLevel(),
		AuthIdentity:   s.authIdentity,
		Protocol:       s.protocol(),
	})

	if rej := s.validator.OnHaveData(ctx, s, e); rej != nil {
		s.writeReply(*rej)
		s.resetTransaction()
		return
	}

	id, enqueueErr := s.enqueuer.Enqueue(ctx, e)
	if rej := s.validator.OnQueued(ctx, s, id, enqueueErr); rej != nil {
		s.writeReply(*rej)
		s.resetTransaction()
		return
	}
	if enqueueErr != nil {
		s.writeReply(reply.LocalError)
		s.resetTransaction()
		return
	}
	s.writeReply(reply.New(250, fmt.Sprintf("OK queued as %s", id)))
	s.resetTransaction()
}

func (s *Session) securityLevel() envelope.SecurityLevel {
	if s.tlsActive {
		return envelope.SecurityTLS
	}
	return envelope.SecurityNone
}

func (s *Session) protocol() envelope.Protocol {
	if s.isESMTP {
		return envelope.ProtocolESMTP
	}
	return envelope.ProtocolSMTP
}

func (s *Session) writeReply(r reply.Reply) {
	s.conn.Write(r.Bytes())
}

func remoteIP(conn net.Conn) string {
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err == nil {
		return host
	}
	return conn.RemoteAddr().String()
}

// parseMailRcptArg parses a MAIL or RCPT argument of the form
// "FROM:<addr> PARAM=value ..." (or "TO:" for RCPT), stripping angle
// brackets and returning the address plus an upper-keyed parameter
// map.
func parseMailRcptArg(arg, prefix string) (addr string, params map[string]string, ok bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		// Null reverse-path: "MAIL FROM:<>"
		if strings.TrimSpace(rest) == "<>" {
			return "", map[string]string{}, true
		}
		return "", nil, false
	}
	addrField := strings.TrimSuffix(strings.TrimPrefix(fields[0], "<"), ">")
	params = map[string]string{}
	for _, f := range fields[1:] {
		if eq := strings.IndexByte(f, '='); eq >= 0 {
			params[strings.ToUpper(f[:eq])] = f[eq+1:]
		} else {
			params[strings.ToUpper(f)] = ""
		}
	}
	return addrField, params, true
}

// saslMechanism builds the emersion/go-sasl server mechanism for
// name, wrapping Config.Authenticate. CRAM-MD5 is accepted with or
// without TLS, but PLAIN/LOGIN require an established TLS session
// unless RequireTLSForAuth is false.
func (s *Session) saslMechanism(ctx context.Context, name string) sasl.Server {
	switch name {
	case "PLAIN":
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if err := s.config.Authenticate(ctx, identity, username, password); err != nil {
				return err
			}
			s.authenticatedUser = username
			return nil
		})
	case "LOGIN":
		return sasl.NewLoginServer(func(username, password string) error {
			if err := s.config.Authenticate(ctx, "", username, password); err != nil {
				return err
			}
			s.authenticatedUser = username
			return nil
		})
	case "CRAM-MD5":
		return sasl.NewCramMD5Server(func(username, response string) error {
			if err := s.config.Authenticate(ctx, "", username, response); err != nil {
				return err
			}
			s.authenticatedUser = username
			return nil
		})
	default:
		return nil
	}
}

func (s *Session) mechanismRequiresTLS(name string) bool {
	return s.config.RequireTLSForAuth && !s.tlsActive && (name == "PLAIN" || name == "LOGIN")
}

func mechanismAllowed(mechs []string, name string) bool {
	for _, m := range mechs {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
