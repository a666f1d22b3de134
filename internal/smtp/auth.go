package smtp

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/infodancer/auth"
)

// authPattern matches AUTH commands: AUTH PLAIN [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(.+))?$`)

// AUTHCommand implements the AUTH command for SMTP authentication
type AUTHCommand struct {
	authAgent interface{} // auth.AuthenticationAgent
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	initialResponse := ""
	if len(matches) > 2 {
		initialResponse = matches[2]
	}

	// Security check 1: Already authenticated?
	if session.IsAuthenticated() {
		return SMTPResult{
			Code:    503,
			Message: "5.5.1 Bad sequence of commands",
		}, nil
	}

	// Security check 2: Must have greeted first
	if session.State() < StateGreeted {
		return SMTPResult{
			Code:    503,
			Message: "5.5.1 Bad sequence of commands",
		}, nil
	}

	// Security check 3: PLAIN/LOGIN require TLS (except localhost)
	if (mechanism == "PLAIN" || mechanism == "LOGIN") && !session.IsTLSActive() {
		clientIP := session.ConnInfo().ClientIP
		if !isLocalhost(clientIP) {
			return SMTPResult{
				Code:    538,
				Message: "5.7.11 Encryption required for requested authentication mechanism",
			}, nil
		}
	}

	authAgent, ok := c.authAgent.(auth.AuthenticationAgent)
	if !ok || authAgent == nil {
		return SMTPResult{
			Code:    454,
			Message: "4.7.0 Temporary authentication failure",
		}, nil
	}

	// Dispatch to mechanism handler
	switch mechanism {
	case "PLAIN":
		return c.handlePlain(ctx, session, authAgent, initialResponse)
	case "LOGIN":
		if initialResponse != "" {
			// Some clients send the username as LOGIN's initial response.
			cont := newLoginContinuation(authAgent)
			result, done := cont.step(ctx, session, initialResponse)
			if !done {
				session.SetPendingAuth(cont)
			}
			return result, nil
		}
		session.SetPendingAuth(newLoginContinuation(authAgent))
		return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString([]byte("Username:"))}, nil
	default:
		return SMTPResult{
			Code:    504,
			Message: "5.5.4 Unrecognized authentication type",
		}, nil
	}
}

// handlePlain implements AUTH PLAIN (RFC 4616): \0username\0password,
// optionally prefixed with an ignored authzid, as an initial response or
// (if omitted) as a "334 " continuation line.
func (c *AUTHCommand) handlePlain(ctx context.Context, session *SMTPSession, authAgent auth.AuthenticationAgent, initialResponse string) (SMTPResult, error) {
	if initialResponse == "" {
		session.SetPendingAuth(&plainContinuation{authAgent: authAgent})
		return SMTPResult{Code: 334, Message: ""}, nil
	}
	return decodeAndAuthenticatePlain(ctx, session, authAgent, initialResponse), nil
}
