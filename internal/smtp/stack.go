package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	"github.com/infodancer/msgstore"
	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/spamcheck"
)

// Stack owns all components of a running smtpd instance and manages their lifecycle.
type Stack struct {
	// Server listens on cfg.Config.Listeners and dispatches every accepted
	// connection to Handler. A protocol-handler subprocess that already has
	// a live net.Conn (see cmd/smtpd's privsep mode) can skip Server
	// entirely and invoke Handler directly against a server.Connection.
	Server  *server.Server
	Handler server.ConnectionHandler

	closers []io.Closer
	logger  *slog.Logger
}

// StackConfig groups config needed to build a Stack.
// TLSConfig and SpamChecker are caller-supplied (cmd/smtpd/handler.go builds them; tests omit them).
type StackConfig struct {
	Config      config.Config
	ConfigPath  string // absolute path to the config file; passed to mail-deliver subprocess
	TLSConfig   *tls.Config
	SpamChecker spamcheck.Checker
	SpamConfig  config.SpamCheckConfig
	Collector   metrics.Collector // nil → NoopCollector
	Logger      *slog.Logger      // nil → slog.Default()
}

// NewStack creates a Stack from the given configuration, wiring up all components.
func NewStack(cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	s := &Stack{logger: logger}

	// Create authentication agent if configured.
	var authAgent auth.AuthenticationAgent
	if cfg.Config.Auth.IsEnabled() {
		agentConfig := auth.AuthAgentConfig{
			Type:              cfg.Config.Auth.AgentType,
			CredentialBackend: cfg.Config.Auth.CredentialBackend,
			KeyBackend:        cfg.Config.Auth.KeyBackend,
			Options:           cfg.Config.Auth.Options,
		}
		var err error
		authAgent, err = auth.OpenAuthAgent(agentConfig)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, authAgent)
		logger.Info("authentication enabled", "type", cfg.Config.Auth.AgentType)
	}

	// Create delivery agent if configured.
	var delivery msgstore.DeliveryAgent
	if cfg.Config.Delivery.Type != "" {
		storeConfig := msgstore.StoreConfig{
			Type:     cfg.Config.Delivery.Type,
			BasePath: cfg.Config.Delivery.BasePath,
			Options:  cfg.Config.Delivery.Options,
		}
		store, err := msgstore.Open(storeConfig)
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		delivery = store
		logger.Info("delivery enabled", "type", cfg.Config.Delivery.Type, "path", cfg.Config.Delivery.BasePath)
	}

	// Wrap delivery agent with subprocess isolation when deliver_cmd is set.
	if cfg.Config.Delivery.DeliverCmd != "" {
		delivery = NewExecDeliveryAgent(ExecDeliveryConfig{
			Cmd:        cfg.Config.Delivery.DeliverCmd,
			ConfigPath: cfg.ConfigPath,
			UID:        cfg.Config.Delivery.UID,
			GID:        cfg.Config.Delivery.GID,
		})
		logger.Info("delivery via subprocess", "cmd", cfg.Config.Delivery.DeliverCmd)
	}

	// Create domain provider if configured.
	var domainProvider domain.DomainProvider
	if cfg.Config.DomainsPath != "" {
		dp := domain.NewFilesystemDomainProvider(cfg.Config.DomainsPath, logger)
		if cfg.Config.DomainsDataPath != "" {
			dp = dp.WithDataPath(cfg.Config.DomainsDataPath)
		}
		domainProvider = dp.WithDefaults(domain.DomainConfig{
			Auth: domain.DomainAuthConfig{
				Type:              "passwd",
				CredentialBackend: "passwd",
				KeyBackend:        "keys",
			},
			MsgStore: domain.DomainMsgStoreConfig{
				Type:     "maildir",
				BasePath: "users",
			},
		})
		s.closers = append(s.closers, domainProvider)
		logger.Info("domain provider enabled", "path", cfg.Config.DomainsPath)
	}

	// Centralize domain-aware auth routing, then adapt it back to the plain
	// auth.AuthenticationAgent shape the inbound session state machine
	// (command.go/handler.go) speaks, so AUTH and RCPT TO's existence check
	// share one routing layer instead of each hand-rolling it. Left nil when
	// no auth backend is configured, so EHLOCommand still skips advertising
	// AUTH entirely rather than advertising it against an adapter with
	// nothing behind it.
	var handlerAuthAgent auth.AuthenticationAgent
	if authAgent != nil {
		authRouter := domain.NewAuthRouter(domainProvider, authAgent)
		handlerAuthAgent = newDomainAuthAdapter(authRouter, authAgent)
	}

	// The inbound state machine buffers each transaction in memory bounded
	// by SessionConfig.MaxMessageSize (already spec-compliant) and relies
	// on msgstore's maildir DeliveryAgent for atomic tmp+rename, so no
	// on-disk spool directory is built here (the earlier go-smtp-based
	// design's tempDir/tempBuffer optimization is dropped, not replaced).
	handler := Handler(cfg.Config.Hostname, collector, delivery, handlerAuthAgent, cfg.TLSConfig, &HandlerOptions{
		SpamChecker:     cfg.SpamChecker,
		SpamCheckConfig: cfg.SpamConfig,
		Data:            config.DefaultSessionConfig().Data,
		DomainProvider:  domainProvider,
	})
	s.Handler = handler

	srv, err := server.New(&cfg.Config)
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	srv.SetHandler(handler)

	s.Server = srv
	return s, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	return s.Server.Run(ctx)
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
