package smtp

import (
	"context"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
)

// domainAuthAdapter adapts a *domain.AuthRouter, which splits a user@domain
// login across each hosted domain's own auth backend, to the plain
// auth.AuthenticationAgent interface AUTHCommand and RCPTCommand expect.
// This lets AUTH and RCPT TO's mailbox-existence check share one
// domain-routing layer instead of each hand-rolling it separately.
type domainAuthAdapter struct {
	router *domain.AuthRouter
	agent  auth.AuthenticationAgent // underlying agent; closed on shutdown since AuthRouter has no Close of its own
}

// newDomainAuthAdapter wraps router so it satisfies auth.AuthenticationAgent.
// agent may be nil only if router itself tolerates a nil underlying agent;
// it is used solely to forward Close.
func newDomainAuthAdapter(router *domain.AuthRouter, agent auth.AuthenticationAgent) *domainAuthAdapter {
	return &domainAuthAdapter{router: router, agent: agent}
}

func (a *domainAuthAdapter) Authenticate(ctx context.Context, username, password string) (*auth.AuthSession, error) {
	return a.router.Authenticate(ctx, username, password)
}

func (a *domainAuthAdapter) UserExists(ctx context.Context, username string) (bool, error) {
	return a.router.UserExists(ctx, username)
}

func (a *domainAuthAdapter) Close() error {
	if a.agent == nil {
		return nil
	}
	return a.agent.Close()
}
