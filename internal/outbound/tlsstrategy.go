package outbound

import "github.com/infodancer/smtpd/internal/mtasts"

// TLSRequirement is how strongly a TLSStrategy insists on transport security
// for delivery to a given remote MX host.
type TLSRequirement int

const (
	// TLSOpportunistic upgrades via STARTTLS when the remote advertises it,
	// but proceeds in the clear (or leaves the message Scheduled rather than
	// failing delivery outright) when it doesn't — classic SMTP behavior.
	TLSOpportunistic TLSRequirement = iota
	// TLSRequired refuses to hand off the message unless the STARTTLS
	// upgrade to mxHost succeeds.
	TLSRequired
)

// TLSStrategy selects the transport-security requirement for one outbound
// connection. It is construction-only: DNS lookups, TLSA record retrieval,
// and MTA-STS policy fetch/caching all happen outside this package (spec.md
// §1's non-goals) — the caller resolves a Policy (or has none) and hands it
// here alongside the MX hostname actually being dialed.
type TLSStrategy struct {
	Requirement TLSRequirement
}

// NewTLSStrategy derives a TLSStrategy for delivery to mxHost from an
// already-fetched RFC 8461 MTA-STS policy. Pass a nil policy when MTA-STS
// isn't configured for the destination domain, or no policy document could
// be retrieved — the strategy then falls back to opportunistic STARTTLS.
//
// DANE (RFC 7672 TLSA record validation) is intentionally not modeled here:
// no DNSSEC/TLSA resolver exists anywhere in this module's dependency
// surface, so a DANE-aware strategy has no collaborator to consume its
// result. A TLSA-validating Requirement can be added once such a resolver
// is wired in.
func NewTLSStrategy(mxHost string, policy *mtasts.Policy) TLSStrategy {
	if policy == nil || policy.Mode != mtasts.ModeEnforce {
		return TLSStrategy{Requirement: TLSOpportunistic}
	}
	for _, pattern := range policy.MX {
		if pattern.Match(mxHost) {
			return TLSStrategy{Requirement: TLSRequired}
		}
	}
	// Enforce mode but mxHost isn't a policy-listed MX: TLS is still
	// required. The strategy only carries the TLS requirement; a host the
	// policy doesn't name is not otherwise refused.
	return TLSStrategy{Requirement: TLSRequired}
}
