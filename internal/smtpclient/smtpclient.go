// Package smtpclient implements the client-side SMTP session state
// machine of spec.md §4.3: EHLO with HELO fallback, opportunistic
// STARTTLS with re-EHLO, AUTH mechanism selection, and pipelined
// MAIL/RCPT delivery with a per-recipient result map.
//
// The teacher has no outbound SMTP client, so this package is grounded
// directly on emersion/go-smtp's client.go (Dial/Hello/Mail/Rcpt/Data
// shape, sasl.Client-driven AUTH, response parsing) rather than on
// teacher code, restructured around this module's envelope and reply
// types and the four named timeout categories §4.3 calls for.
package smtpclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/mtaerrors"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/wire"
)

// TimeoutCategory names one of the four timeout classes spec.md §4.3
// distinguishes so a caller's metrics/logging can tell them apart.
type TimeoutCategory string

const (
	ConnectTimeout TimeoutCategory = "connect_timeout"
	CommandTimeout TimeoutCategory = "command_timeout"
	DataTimeout    TimeoutCategory = "data_timeout"
	IdleTimeout    TimeoutCategory = "idle_timeout"
)

// TimeoutError reports which category of deadline fired.
type TimeoutError struct {
	Category TimeoutCategory
	Cause    error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("smtpclient: %s: %v", e.Category, e.Cause) }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Credentials selects a SASL mechanism and the values it needs.
type Credentials struct {
	Identity string
	Username string
	Secret   string
}

// Config holds per-connection client parameters.
type Config struct {
	LocalName      string // the name the client sends in EHLO/HELO
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	IdleTimeout    time.Duration
	TLSConfig      *tls.Config // if non-nil, STARTTLS is attempted when advertised
	Credentials    *Credentials
}

// Client is one outbound SMTP connection, reusable across deliveries
// within its IdleTimeout (the relay manager's per-destination pool is
// responsible for that reuse policy; this type just tracks when it
// last went idle).
type Client struct {
	conn        net.Conn
	r           *wire.Reader
	config      Config
	caps        map[string]string
	tlsActive   bool
	lastUsed    time.Time
}

// Dial connects to addr (host:port) and performs the initial greeting
// and EHLO/HELO exchange.
func Dial(ctx context.Context, addr string, config Config) (*Client, error) {
	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TimeoutError{Category: ConnectTimeout, Cause: err}
	}
	c := &Client{conn: conn, r: wire.NewReader(conn), config: config, lastUsed: time.Now()}

	if err := c.withDeadline(config.CommandTimeout, func() error {
		return c.expect(220)
	}); err != nil {
		conn.Close()
		return nil, &TimeoutError{Category: CommandTimeout, Cause: err}
	}

	if err := c.ehloOrHelo(); err != nil {
		conn.Close()
		return nil, err
	}

	if config.TLSConfig != nil && c.supportsExtension("STARTTLS") {
		if err := c.startTLS(); err != nil {
			conn.Close()
			return nil, err
		}
		if err := c.ehloOrHelo(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if config.Credentials != nil {
		if err := c.authenticate(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return c, nil
}

// Close sends QUIT and closes the underlying connection.
func (c *Client) Close() error {
	c.cmd(221, "QUIT")
	return c.conn.Close()
}

// Idle reports how long this connection has been unused, for the
// relay manager's per-destination pool to compare against its
// configured idle_timeout.
func (c *Client) Idle() time.Duration { return time.Since(c.lastUsed) }

func (c *Client) withDeadline(d time.Duration, f func() error) error {
	if d > 0 {
		c.conn.SetDeadline(time.Now().Add(d))
	}
	return f()
}

func (c *Client) expect(code int) error {
	got, lines, err := c.readReply()
	if err != nil {
		return err
	}
	if got != code {
		return fmt.Errorf("smtpclient: want %d, got %d: %s", code, got, strings.Join(lines, "; "))
	}
	return nil
}

// readReply reads a (possibly multiline) reply and returns its code
// and joined text lines.
func (c *Client) readReply() (int, []string, error) {
	var code int
	var lines []string
	for {
		line, err := c.r.ReadLine()
		if err != nil {
			return 0, nil, err
		}
		if len(line) < 4 {
			return 0, nil, fmt.Errorf("smtpclient: malformed reply %q", line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, nil, fmt.Errorf("smtpclient: malformed reply code %q", line)
		}
		code = n
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			break
		}
	}
	return code, lines, nil
}

// cmd sends a formatted command line and reads one reply, failing if
// the reply code doesn't match expectCode (0 disables the check).
func (c *Client) cmd(expectCode int, format string, args ...interface{}) (int, []string, error) {
	if err := c.withDeadline(c.config.CommandTimeout, func() error {
		_, err := c.conn.Write([]byte(fmt.Sprintf(format, args...) + "\r\n"))
		return err
	}); err != nil {
		return 0, nil, &TimeoutError{Category: CommandTimeout, Cause: err}
	}
	code, lines, err := c.readReply()
	if err != nil {
		return 0, nil, &TimeoutError{Category: CommandTimeout, Cause: err}
	}
	if expectCode != 0 && code != expectCode {
		return code, lines, fmt.Errorf("smtpclient: want %d, got %d: %s", expectCode, code, strings.Join(lines, "; "))
	}
	return code, lines, nil
}

func (c *Client) ehloOrHelo() error {
	name := c.config.LocalName
	if name == "" {
		name = "localhost"
	}
	code, lines, err := c.cmd(0, "EHLO %s", name)
	if err != nil {
		return err
	}
	if code >= 500 {
		_, _, err := c.cmd(250, "HELO %s", name)
		c.caps = map[string]string{}
		return err
	}
	if code != 250 {
		return fmt.Errorf("smtpclient: EHLO failed: %d %s", code, strings.Join(lines, "; "))
	}
	c.caps = map[string]string{}
	for _, line := range lines[1:] {
		fields := strings.SplitN(line, " ", 2)
		key := strings.ToUpper(fields[0])
		val := ""
		if len(fields) > 1 {
			val = fields[1]
		}
		c.caps[key] = val
	}
	return nil
}

func (c *Client) supportsExtension(name string) bool {
	if c.caps == nil {
		return false
	}
	_, ok := c.caps[strings.ToUpper(name)]
	return ok
}

func (c *Client) startTLS() error {
	if _, _, err := c.cmd(220, "STARTTLS"); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, c.config.TLSConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return mtaerrors.Wrap(mtaerrors.Transient, 0, "STARTTLS handshake failed", err)
	}
	c.conn = tlsConn
	c.r = wire.NewReader(tlsConn)
	c.tlsActive = true
	return nil
}

// authenticate selects the strongest mechanism the server advertised
// for which Config.Credentials has values, preferring CRAM-MD5 (never
// sends the password in clear) over LOGIN/PLAIN.
func (c *Client) authenticate() error {
	authLine, ok := c.caps["AUTH"]
	if !ok {
		return mtaerrors.New(mtaerrors.Permanent, 0, "server does not advertise AUTH")
	}
	offered := strings.Fields(authLine)

	var mechanism sasl.Client
	var name string
	for _, candidate := range []string{"CRAM-MD5", "LOGIN", "PLAIN"} {
		if !containsFold(offered, candidate) {
			continue
		}
		name = candidate
		switch candidate {
		case "CRAM-MD5":
			mechanism = sasl.NewCramMD5Client(c.config.Credentials.Username, c.config.Credentials.Secret)
		case "LOGIN":
			mechanism = sasl.NewLoginClient(c.config.Credentials.Username, c.config.Credentials.Secret)
		case "PLAIN":
			mechanism = sasl.NewPlainClient(c.config.Credentials.Identity, c.config.Credentials.Username, c.config.Credentials.Secret)
		}
		break
	}
	if mechanism == nil {
		return mtaerrors.New(mtaerrors.Permanent, 0, "no common AUTH mechanism")
	}

	_, initial, err := mechanism.Start()
	if err != nil {
		return mtaerrors.Wrap(mtaerrors.Authentication, 0, "AUTH start failed", err)
	}

	var code int
	var lines []string
	if len(initial) > 0 {
		code, lines, err = c.cmd(0, "AUTH %s %s", name, base64.StdEncoding.EncodeToString(initial))
	} else {
		code, lines, err = c.cmd(0, "AUTH %s", name)
	}
	if err != nil && code == 0 {
		return err
	}

	for code == 334 {
		challenge, decErr := base64.StdEncoding.DecodeString(strings.Join(lines, ""))
		if decErr != nil {
			return mtaerrors.Wrap(mtaerrors.Authentication, 0, "malformed AUTH challenge", decErr)
		}
		response, nextErr := mechanism.Next(challenge)
		if nextErr != nil {
			return mtaerrors.Wrap(mtaerrors.Authentication, 0, "AUTH exchange failed", nextErr)
		}
		code, lines, err = c.cmd(0, "%s", base64.StdEncoding.EncodeToString(response))
		if err != nil && code == 0 {
			return err
		}
	}
	if code != 235 {
		return mtaerrors.New(mtaerrors.Authentication, code, "AUTH credentials rejected")
	}
	return nil
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// RecipientResult is one recipient's outcome from a delivery attempt.
type RecipientResult struct {
	Recipient string
	Reply     reply.Reply
	Err       error
}

// IsTransient reports a 4xx reply or a connection error during/after
// DATA, which spec.md §4.3 classifies as transient for the affected
// recipient.
func (r RecipientResult) IsTransient() bool {
	return r.Err != nil || r.Reply.IsTransient()
}

// IsPermanent reports a 5xx reply.
func (r RecipientResult) IsPermanent() bool { return r.Err == nil && r.Reply.IsPermanent() }

// DeliveryResult is the outcome of one Deliver call: a result per
// recipient, since a single envelope delivery can partially succeed.
type DeliveryResult struct {
	Recipients []RecipientResult
}

// AllSucceeded reports whether every recipient accepted the message.
func (d DeliveryResult) AllSucceeded() bool {
	for _, r := range d.Recipients {
		if !r.Reply.IsSuccess() {
			return false
		}
	}
	return len(d.Recipients) > 0
}

// Deliver sends e using pipelined MAIL/RCPT when the server advertises
// PIPELINING (writing MAIL and every RCPT ahead of reading their
// replies; DATA follows once those replies are read), falling back to
// lock-step otherwise. If every RCPT fails,
// DATA is replaced with RSET per spec.md §4.3.
func (c *Client) Deliver(ctx context.Context, e *envelope.Envelope) (DeliveryResult, error) {
	c.lastUsed = time.Now()
	pipelined := c.supportsExtension("PIPELINING")

	mailLine := fmt.Sprintf("MAIL FROM:<%s>", e.Sender)
	rcptLines := make([]string, len(e.Recipients))
	for i, rcpt := range e.Recipients {
		rcptLines[i] = fmt.Sprintf("RCPT TO:<%s>", rcpt)
	}

	if pipelined {
		return c.deliverPipelined(ctx, e, mailLine, rcptLines)
	}
	return c.deliverSequential(ctx, e, mailLine, rcptLines)
}

func (c *Client) deliverSequential(ctx context.Context, e *envelope.Envelope, mailLine string, rcptLines []string) (DeliveryResult, error) {
	mailCode, mailText, err := c.cmd(0, "%s", mailLine)
	if err != nil && mailCode == 0 {
		return DeliveryResult{}, err
	}
	if mailCode >= 300 {
		return failAll(e.Recipients, reply.Multiline(mailCode, mailText...)), nil
	}

	var results []RecipientResult
	anySucceeded := false
	for i, rcpt := range e.Recipients {
		code, text, err := c.cmd(0, "%s", rcptLines[i])
		if err != nil && code == 0 {
			return DeliveryResult{}, err
		}
		r := reply.Multiline(code, text...)
		results = append(results, RecipientResult{Recipient: rcpt, Reply: r})
		if r.IsSuccess() {
			anySucceeded = true
		}
	}
	if !anySucceeded {
		c.cmd(250, "RSET")
		return DeliveryResult{Recipients: results}, nil
	}
	return c.sendData(ctx, e, results)
}

func (c *Client) deliverPipelined(ctx context.Context, e *envelope.Envelope, mailLine string, rcptLines []string) (DeliveryResult, error) {
	var buf strings.Builder
	buf.WriteString(mailLine + "\r\n")
	for _, line := range rcptLines {
		buf.WriteString(line + "\r\n")
	}
	if err := c.withDeadline(c.config.CommandTimeout, func() error {
		_, err := c.conn.Write([]byte(buf.String()))
		return err
	}); err != nil {
		return DeliveryResult{}, &TimeoutError{Category: CommandTimeout, Cause: err}
	}

	mailCode, mailText, err := c.readReply()
	if err != nil {
		return DeliveryResult{}, &TimeoutError{Category: CommandTimeout, Cause: err}
	}
	if mailCode >= 300 {
		for range rcptLines {
			c.readReply()
		}
		return failAll(e.Recipients, reply.Multiline(mailCode, mailText...)), nil
	}

	var results []RecipientResult
	anySucceeded := false
	for _, rcpt := range e.Recipients {
		code, text, rerr := c.readReply()
		if rerr != nil {
			return DeliveryResult{}, &TimeoutError{Category: CommandTimeout, Cause: rerr}
		}
		r := reply.Multiline(code, text...)
		results = append(results, RecipientResult{Recipient: rcpt, Reply: r})
		if r.IsSuccess() {
			anySucceeded = true
		}
	}
	if !anySucceeded {
		c.cmd(250, "RSET")
		return DeliveryResult{Recipients: results}, nil
	}
	return c.sendData(ctx, e, results)
}

func (c *Client) sendData(ctx context.Context, e *envelope.Envelope, rcptResults []RecipientResult) (DeliveryResult, error) {
	code, text, err := c.cmd(0, "DATA")
	if err != nil && code == 0 {
		return DeliveryResult{}, err
	}
	if code != 354 {
		return failRemaining(rcptResults, reply.Multiline(code, text...)), nil
	}

	if err := c.withDeadline(c.config.DataTimeout, func() error {
		return wire.WriteDotTerminated(c.conn, e.Flatten())
	}); err != nil {
		return failRemaining(rcptResults, reply.Reply{}), &TimeoutError{Category: DataTimeout, Cause: err}
	}

	code, text, err = c.readReply()
	if err != nil {
		return failRemaining(rcptResults, reply.Reply{}), &TimeoutError{Category: DataTimeout, Cause: err}
	}
	final := reply.Multiline(code, text...)

	out := make([]RecipientResult, len(rcptResults))
	for i, r := range rcptResults {
		if !r.Reply.IsSuccess() {
			out[i] = r
			continue
		}
		out[i] = RecipientResult{Recipient: r.Recipient, Reply: final}
	}
	return DeliveryResult{Recipients: out}, nil
}

func failAll(recipients []string, r reply.Reply) DeliveryResult {
	results := make([]RecipientResult, len(recipients))
	for i, rcpt := range recipients {
		results[i] = RecipientResult{Recipient: rcpt, Reply: r}
	}
	return DeliveryResult{Recipients: results}
}

// failRemaining marks every recipient that had accepted RCPT as
// failed with r (or, if r is the zero Reply, as a connection error),
// leaving recipients that already failed RCPT untouched.
func failRemaining(prior []RecipientResult, r reply.Reply) DeliveryResult {
	out := make([]RecipientResult, len(prior))
	for i, p := range prior {
		if !p.Reply.IsSuccess() {
			out[i] = p
			continue
		}
		if r.Code == 0 {
			out[i] = RecipientResult{Recipient: p.Recipient, Err: fmt.Errorf("smtpclient: connection lost during DATA")}
		} else {
			out[i] = RecipientResult{Recipient: p.Recipient, Reply: r}
		}
	}
	return DeliveryResult{Recipients: out}
}
