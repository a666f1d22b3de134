// Command relayd is the outbound delivery worker from spec.md §4.2: it
// dequeues messages from internal/queue, resolves each recipient domain's
// MX hosts, and drives internal/outbound.Session.Deliver against them,
// updating per-recipient status until every recipient of a message reaches
// a terminal state. A message whose recipients span several domains is
// split into one delivery attempt per domain and its Recipient statuses
// are merged back, since Session.Deliver itself addresses every recipient
// of the queue.Message it's handed against a single remote host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/queue"
)

func main() {
	var (
		hostname     = flag.String("hostname", "localhost", "HELO/LHLO hostname advertised to remote MTAs")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		pollInterval = flag.Duration("poll-interval", time.Second, "How often to poll the queue when it is empty")
		dialTimeout  = flag.Duration("dial-timeout", 30*time.Second, "Timeout for connecting to a remote MX host")
		cmdTimeout   = flag.Duration("command-timeout", time.Minute, "Per-command timeout for an outbound SMTP session")
		tlsMinVer    = flag.String("tls-min-version", "1.2", "Minimum TLS version offered during outbound STARTTLS (1.0, 1.1, 1.2, 1.3)")
		mtaSTS       = flag.Bool("mta-sts", true, "Fetch and enforce RFC 8461 MTA-STS policies for recipient domains")
		metricsAddr  = flag.String("metrics-address", "", "Address for the Prometheus metrics endpoint (empty disables it)")
		metricsPath  = flag.String("metrics-path", "/metrics", "Path for the Prometheus metrics endpoint")
	)
	flag.Parse()

	logger := logging.NewLogger(*logLevel)

	validTLSVersions := map[string]bool{"1.0": true, "1.1": true, "1.2": true, "1.3": true}
	if !validTLSVersions[*tlsMinVer] {
		fmt.Fprintf(os.Stderr, "relayd: invalid -tls-min-version %q (valid: 1.0, 1.1, 1.2, 1.3)\n", *tlsMinVer)
		os.Exit(1)
	}
	tlsCfg := config.TLSConfig{MinVersion: *tlsMinVer}

	// PrometheusServer's handler always serves prometheus.DefaultGatherer
	// (see internal/metrics/prometheus_server.go), so the collector must
	// register against prometheus.DefaultRegisterer for -metrics-address to
	// actually expose what it counts.
	collector := metrics.Collector(metrics.NewPrometheusCollector(prometheus.DefaultRegisterer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if *metricsAddr != "" {
		metricsServer := metrics.NewPrometheusServer(*metricsAddr, *metricsPath)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// MemoryQueue is the package's own documented default for relayd when no
	// persistent store is configured (spec.md §1 treats durable queue
	// storage as an external collaborator, not something this module
	// implements). Whatever enqueues messages — a future inbound-to-outbound
	// bridge, an admin tool, or a test — shares this process's queue.
	q := queue.NewMemoryQueue()

	w := &worker{
		queue:         q,
		hostname:      *hostname,
		dialTimeout:   *dialTimeout,
		cmdTimeout:    *cmdTimeout,
		tlsMinVersion: tlsCfg.MinTLSVersion(),
		useMTASTS:     *mtaSTS,
		sts:           newSTSFetcher(),
		collector:     collector,
		logger:        logger,
	}

	logger.Info("starting relayd", "hostname", *hostname, "mta_sts", *mtaSTS)
	w.run(ctx, *pollInterval)
	logger.Info("relayd stopped")
}
