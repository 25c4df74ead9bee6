// Package httpedge is the HTTP submission edge spec.md §6 describes as
// an alternate collaborator to the SMTP edge: a POST of a
// message/rfc822 body plus X-Ehlo/X-Envelope-Sender/X-Envelope-
// Recipient headers, handed to the same queue the SMTP edge enqueues
// through, with HTTP status families translated from the resulting
// SMTP reply.
//
// Grounded on the teacher's internal/api (chi sub-router registered
// under a versioned prefix) and internal/middleware (JWT bearer auth
// via golang-jwt/jwt/v5, reusing the same Authorization-header
// convention and claims shape as the teacher's AuthMiddleware).
package httpedge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/health"
	"github.com/webrana/gomta/internal/metrics"
	"github.com/webrana/gomta/internal/middleware"
	"github.com/webrana/gomta/internal/policy"
	"github.com/webrana/gomta/internal/queue"
	"github.com/webrana/gomta/internal/reply"
)

// Config holds the HTTP submission edge's parameters.
type Config struct {
	ListenAddr     string
	Hostname       string // recorded as the envelope's EHLO-equivalent if X-Ehlo is absent
	MaxMessageSize int64
	JWTSigningKey  string // empty disables bearer-token auth
	JWTIssuer      string
	AllowedOrigins []string

	RateLimitPerMinute int // 0 disables per-IP rate limiting
}

// Claims is the bearer token's expected claim shape, mirroring the
// teacher's access-token claims.
type Claims struct {
	jwtv5.RegisteredClaims
}

// Server is the HTTP submission edge.
type Server struct {
	config   Config
	engine   *queue.Engine
	policies []policy.Policy
	health   *health.Handler
	log      *slog.Logger
	httpSrv  *http.Server
	limiter  *middleware.RateLimiter
}

// NewServer builds a Server ready to ListenAndServe.
func NewServer(config Config, engine *queue.Engine, policies []policy.Policy, healthHandler *health.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{config: config, engine: engine, policies: policies, health: healthHandler, log: logger}
	if config.RateLimitPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(config.RateLimitPerMinute, time.Minute)
	}
	s.httpSrv = &http.Server{Addr: config.ListenAddr, Handler: s.router()}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.StructuredLogger(s.log))
	r.Use(metrics.Middleware)
	if s.limiter != nil {
		r.Use(middleware.PerIP(s.limiter))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Ehlo", "X-Envelope-Sender", "X-Envelope-Recipient"},
		MaxAge:         300,
	}))

	if s.health != nil {
		r.Get("/healthz", s.health.Health)
		r.Get("/readyz", s.health.Readiness)
		r.Get("/livez", s.health.Liveness)
	}
	r.Handle("/metrics", metrics.Handler())

	if s.config.JWTSigningKey != "" {
		r.With(s.authenticate).Post("/", s.submit)
	} else {
		r.Post("/", s.submit)
	}

	return r
}

// ListenAndServe runs the HTTP submission edge until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeJSONError(w, http.StatusUnauthorized, "authorization header missing or malformed")
			return
		}

		claims := &Claims{}
		token, err := jwtv5.ParseWithClaims(parts[1], claims, func(t *jwtv5.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwtv5.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(s.config.JWTSigningKey), nil
		})
		if err != nil || !token.Valid {
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired bearer token")
			return
		}
		if s.config.JWTIssuer != "" && claims.Issuer != s.config.JWTIssuer {
			writeJSONError(w, http.StatusUnauthorized, "unexpected token issuer")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// submit handles POST / : a message/rfc822 body with envelope metadata
// in headers, per spec.md §6.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "message/rfc822" {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be message/rfc822")
		metrics.EdgeMessagesAccepted.WithLabelValues("bad_content_type").Inc()
		return
	}

	sender, err := decodeHeader(r.Header.Get("X-Envelope-Sender"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "X-Envelope-Sender must be base64")
		metrics.EdgeMessagesAccepted.WithLabelValues("bad_sender").Inc()
		return
	}

	recipients := make([]string, 0, len(r.Header.Values("X-Envelope-Recipient")))
	for _, encoded := range r.Header.Values("X-Envelope-Recipient") {
		rcpt, err := decodeHeader(encoded)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "X-Envelope-Recipient must be base64")
			metrics.EdgeMessagesAccepted.WithLabelValues("bad_recipient").Inc()
			return
		}
		recipients = append(recipients, rcpt)
	}
	if len(recipients) == 0 {
		writeJSONError(w, http.StatusBadRequest, "at least one X-Envelope-Recipient header is required")
		metrics.EdgeMessagesAccepted.WithLabelValues("no_recipients").Inc()
		return
	}

	maxSize := s.config.MaxMessageSize
	if maxSize <= 0 {
		maxSize = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read message body")
		return
	}
	if int64(len(body)) > maxSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message exceeds maximum size")
		metrics.EdgeMessagesAccepted.WithLabelValues("too_large").Inc()
		return
	}

	ehlo := r.Header.Get("X-Ehlo")
	if ehlo == "" {
		ehlo = s.config.Hostname
	}

	e := envelope.ParseEnvelope(sender, recipients, body, envelope.ReceivedInfo{
		ClientIP: clientIP(r),
		EHLOName: ehlo,
		Security: envelope.SecurityTLS,
		Protocol: envelope.ProtocolHTTP,
	})

	result := s.engine.Enqueue(r.Context(), queue.EnqueueRequest{Envelope: e}, s.policies)
	if !result.Queued {
		status := smtpReplyToHTTPStatus(result.Failure)
		w.Header().Set("X-Smtp-Reply", fmt.Sprintf("%d %s", result.Failure.Code, result.Failure.Text()))
		writeJSONError(w, status, result.Failure.Text())
		metrics.EdgeMessagesAccepted.WithLabelValues("rejected").Inc()
		return
	}

	metrics.EdgeMessagesAccepted.WithLabelValues("accepted").Inc()
	w.Header().Set("X-Smtp-Reply", fmt.Sprintf(`250; message="OK queued as %s"`, result.ID))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, result.ID)
}

// smtpReplyToHTTPStatus translates a queue rejection's SMTP reply
// class to an HTTP status per spec.md §6: a permanent (5xx) SMTP
// reply is a client error the caller should not retry (HTTP 4xx); a
// transient (4xx) SMTP reply means the server should retry (HTTP 5xx).
func smtpReplyToHTTPStatus(r reply.Reply) int {
	switch {
	case r.IsPermanent():
		return http.StatusUnprocessableEntity
	case r.IsTransient():
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeHeader(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
