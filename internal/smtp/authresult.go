package smtp

import (
	"github.com/emersion/go-msgauth/authres"
)

// buildAuthenticationResults constructs the Authentication-Results header
// value (RFC 8601) for a completed inbound transaction. SPF/DKIM/DMARC
// verification need DNS lookups this session doesn't perform (spec.md
// leaves DNS-backed policy retrieval to an external collaborator), so only
// the "auth" method, whose outcome the session already knows, is reported.
func buildAuthenticationResults(hostname string, session *SMTPSession) string {
	var result authres.Result
	if session.IsAuthenticated() {
		result = &authres.AuthResult{
			Value: authres.ResultPass,
			Auth:  session.GetAuthUser(),
		}
	} else {
		result = &authres.AuthResult{
			Value: authres.ResultNone,
		}
	}
	return authres.Format(hostname, []authres.Result{result})
}
