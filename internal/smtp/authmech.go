package smtp

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/infodancer/auth"
	autherrors "github.com/infodancer/auth/errors"
)

// authContinuation drives a multi-turn SASL exchange: the client sends a
// base64-encoded line in response to each "334 <base64 prompt>" reply until
// the mechanism concludes. go-sasl (a teacher dependency) has no built-in
// LOGIN server constructor, so this follows VahanMargaryan/smtp-proxy's
// hand-written two-state sasl.Server shape instead.
type authContinuation interface {
	// step processes one continuation line and returns the next response.
	// done is true once the exchange has concluded (success or failure),
	// at which point the session's pending continuation is cleared.
	step(ctx context.Context, session *SMTPSession, line string) (result SMTPResult, done bool)
}

type loginState int

const (
	loginAwaitingUsername loginState = iota
	loginAwaitingPassword
)

// loginContinuation implements the AUTH LOGIN mechanism (no governing RFC;
// a de facto standard every major MTA and client supports): a
// base64("Username:") prompt followed by a base64("Password:") prompt.
type loginContinuation struct {
	authAgent auth.AuthenticationAgent
	state     loginState
	username  string
}

func newLoginContinuation(authAgent auth.AuthenticationAgent) *loginContinuation {
	return &loginContinuation{authAgent: authAgent, state: loginAwaitingUsername}
}

func (l *loginContinuation) step(ctx context.Context, session *SMTPSession, line string) (SMTPResult, bool) {
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 response"}, true
	}

	switch l.state {
	case loginAwaitingUsername:
		l.username = string(decoded)
		l.state = loginAwaitingPassword
		return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString([]byte("Password:"))}, false

	default: // loginAwaitingPassword
		password := string(decoded)
		if l.username == "" || password == "" {
			return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, true
		}
		return authenticate(ctx, session, l.authAgent, l.username, password, "LOGIN"), true
	}
}

// plainContinuation implements AUTH PLAIN (RFC 4616) when the client omits
// the initial response and instead waits for a "334 " prompt.
type plainContinuation struct {
	authAgent auth.AuthenticationAgent
}

func (p *plainContinuation) step(ctx context.Context, session *SMTPSession, line string) (SMTPResult, bool) {
	return decodeAndAuthenticatePlain(ctx, session, p.authAgent, line), true
}

// decodeAndAuthenticatePlain decodes a base64 AUTH PLAIN response
// (\0username\0password, optionally prefixed with an ignored authzid) and
// authenticates it.
func decodeAndAuthenticatePlain(ctx context.Context, session *SMTPSession, authAgent auth.AuthenticationAgent, encoded string) SMTPResult {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}
	}

	parts := strings.Split(string(decoded), "\x00")

	var username, password string
	switch len(parts) {
	case 3:
		username = parts[1]
		password = parts[2]
	case 2:
		username = parts[0]
		password = parts[1]
	default:
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}
	}

	if username == "" || password == "" {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}
	}

	return authenticate(ctx, session, authAgent, username, password, "PLAIN")
}

// authenticate calls authAgent and maps the outcome to an SMTP response,
// marking the session authenticated with mechanism on success. Shared by
// AUTH PLAIN's initial-response path and both continuation mechanisms so
// the credential-validation and error-mapping logic isn't duplicated.
func authenticate(ctx context.Context, session *SMTPSession, authAgent auth.AuthenticationAgent, username, password, mechanism string) SMTPResult {
	if authAgent == nil {
		return SMTPResult{Code: 454, Message: "4.7.0 Temporary authentication failure"}
	}

	authSession, err := authAgent.Authenticate(ctx, username, password)
	if err != nil {
		if err == autherrors.ErrAuthFailed || err == autherrors.ErrUserNotFound {
			return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}
		}
		return SMTPResult{Code: 454, Message: "4.7.0 Temporary authentication failure"}
	}

	if authSession != nil && authSession.User != nil {
		session.SetAuthenticated(authSession.User.Username, mechanism)
	} else {
		session.SetAuthenticated(username, mechanism)
	}
	return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}
}
