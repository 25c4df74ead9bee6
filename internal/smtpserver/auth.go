package smtpserver

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/webrana/gomta/internal/reply"
)

// handleAUTH runs the SASL challenge-response loop of spec.md §4.2.
// Plaintext mechanisms are advertised regardless of TLS but refused
// with 538 5.7.11 when attempted unencrypted; CRAM-MD5 is always
// permitted since it never puts the password on the wire.
func (s *Session) handleAUTH(ctx context.Context, arg string) {
	if s.state < StateGreeted {
		s.writeReply(reply.BadSequence)
		return
	}
	if s.authIdentity != "" {
		s.writeReply(reply.New(503, "Already authenticated"))
		return
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		s.writeReply(reply.SyntaxErrorParams)
		return
	}
	mech := strings.ToUpper(fields[0])
	if !mechanismAllowed(s.config.AuthMechanisms, mech) {
		s.writeReply(reply.New(504, "Unrecognized authentication mechanism"))
		return
	}
	if s.mechanismRequiresTLS(mech) {
		s.writeReply(reply.AuthTLSRequired)
		return
	}
	if s.config.Authenticate == nil {
		s.writeReply(reply.New(454, "Temporary authentication failure"))
		return
	}

	server := s.saslMechanism(ctx, mech)
	if server == nil {
		s.writeReply(reply.New(504, "Unrecognized authentication mechanism"))
		return
	}

	var initial []byte
	if len(fields) > 1 {
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			s.writeReply(reply.SyntaxErrorParams)
			return
		}
		initial = decoded
	}

	response := initial
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			s.writeReply(reply.AuthCredentialsInvalid)
			return
		}
		if done {
			break
		}
		s.resetDeadline()
		s.writeReply(reply.New(334, base64.StdEncoding.EncodeToString(challenge)))

		line, rerr := s.r.ReadLine()
		if rerr != nil {
			return
		}
		if line == "*" {
			s.writeReply(reply.New(501, "Authentication cancelled"))
			return
		}
		decoded, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			s.writeReply(reply.SyntaxErrorParams)
			return
		}
		response = decoded
	}

	s.authIdentity = s.authenticatedUser
	s.writeReply(reply.New(235, "Authentication successful"))
}
