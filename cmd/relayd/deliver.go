package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/outbound"
	"github.com/infodancer/smtpd/internal/queue"
)

// worker drains a queue.Queue, one message at a time, delivering it to each
// recipient domain's MX hosts and writing per-recipient status back via
// queue.Update.
type worker struct {
	queue         queue.Queue
	hostname      string
	dialTimeout   time.Duration
	cmdTimeout    time.Duration
	tlsMinVersion uint16
	useMTASTS     bool
	sts           *stsFetcher
	collector     metrics.Collector
	logger        *slog.Logger
}

// run polls the queue until ctx is cancelled, delivering messages as fast as
// they're available and falling back to pollInterval when the queue is empty.
func (w *worker) run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
		} else if ok {
			w.deliver(ctx, msg)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliver attempts one delivery pass for msg: every non-terminal recipient
// is grouped by domain, each group is handed to its own outbound session,
// and the resulting statuses are merged back before queue.Update either
// drops the message (all recipients terminal) or requeues it for retry.
func (w *worker) deliver(ctx context.Context, msg *queue.Message) {
	groups := groupByDomain(msg.Recipients)
	for _, g := range groups {
		w.deliverToDomain(ctx, msg, g.domain, g.indices)
	}

	if err := w.queue.Update(ctx, msg); err != nil {
		w.logger.Error("queue update failed", "message_id", msg.ID, "error", err)
	}
}

type recipientGroup struct {
	domain  string
	indices []int
}

// groupByDomain partitions the non-terminal recipients of msg by their
// domain, in first-seen order, so a multi-domain transaction gets one
// delivery attempt per domain instead of one connection trying to satisfy
// every recipient at once.
func groupByDomain(recipients []queue.Recipient) []recipientGroup {
	order := make([]string, 0, 4)
	byDomain := make(map[string][]int, 4)
	for i, r := range recipients {
		if r.Status == queue.StatusCompleted || r.Status == queue.StatusPermanentFailure {
			continue
		}
		d := domainOf(r.Address)
		if _, ok := byDomain[d]; !ok {
			order = append(order, d)
		}
		byDomain[d] = append(byDomain[d], i)
	}
	groups := make([]recipientGroup, len(order))
	for i, d := range order {
		groups[i] = recipientGroup{domain: d, indices: byDomain[d]}
	}
	return groups
}

func domainOf(address string) string {
	_, host, ok := strings.Cut(address, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(host)
}

// deliverToDomain resolves domain's MX hosts and tries them in preference
// order. A host is passed over for the next one when the connection fails
// or Deliver returns an error (at negotiation, MAIL FROM, RCPT TO or the
// body transfer); the first host whose Deliver returns no error decides the
// outcome, and its per-recipient results are merged back into msg. When
// every host fails, failRecipients records the last error against the
// domain's recipients.
func (w *worker) deliverToDomain(ctx context.Context, msg *queue.Message, domain string, indices []int) {
	hosts, err := w.resolveMX(ctx, domain)
	if err != nil || len(hosts) == 0 {
		w.failRecipients(msg, indices, fmt.Sprintf("MX lookup failed: %v", err))
		w.collector.DeliveryCompleted(domain, "mx_lookup_failed")
		return
	}

	var policy *mtaSTSPolicy
	if w.useMTASTS {
		policy = w.sts.fetch(ctx, domain)
	}

	sub := subMessage(msg, indices)

	var lastErr error
	for _, host := range hosts {
		conn, err := (&net.Dialer{Timeout: w.dialTimeout}).DialContext(ctx, "tcp", net.JoinHostPort(host, "25"))
		if err != nil {
			lastErr = err
			continue
		}

		opts := outbound.Options{
			Protocol:       outbound.ProtocolSMTP,
			HeloDomain:     w.hostname,
			CommandTimeout: w.cmdTimeout,
			TLSStrategy:    policy.strategyFor(host),
			TLSConfig: &tls.Config{
				ServerName: host,
				MinVersion: w.tlsMinVersion,
			},
		}

		_, err = outbound.NewSession(conn, opts).Deliver(ctx, sub)
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}

		mergeRecipients(msg, indices, sub)
		w.collector.DeliveryCompleted(domain, "attempted")
		return
	}

	w.failRecipients(msg, indices, fmt.Sprintf("no reachable MX host: %v", lastErr))
	w.collector.DeliveryCompleted(domain, "connect_failed")
}

// resolveMX returns domain's MX hosts in preference order, falling back to
// the domain name itself (an implicit MX 0, per RFC 5321 §5.1) when it
// publishes none.
func (w *worker) resolveMX(ctx context.Context, domain string) ([]string, error) {
	records, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil {
		if _, _, dnsErr := net.DefaultResolver.LookupHost(ctx, domain); dnsErr == nil {
			return []string{domain}, nil
		}
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	hosts := make([]string, len(records))
	for i, mx := range records {
		hosts[i] = strings.TrimSuffix(mx.Host, ".")
	}
	return hosts, nil
}

// subMessage builds a queue.Message carrying only the recipients named by
// indices, sharing msg's envelope and re-opening msg's body on demand (each
// domain's delivery attempt needs its own fresh read of the body).
func subMessage(msg *queue.Message, indices []int) *queue.Message {
	sub := &queue.Message{
		ID:         msg.ID,
		ReturnPath: msg.ReturnPath,
		Flags:      msg.Flags,
		Priority:   msg.Priority,
		CreatedAt:  msg.CreatedAt,
		Recipients: make([]queue.Recipient, len(indices)),
	}
	for i, idx := range indices {
		sub.Recipients[i] = msg.Recipients[idx]
	}
	sub.SetBodyOpener(func() (io.ReadCloser, error) { return msg.Body() })
	return sub
}

// mergeRecipients copies sub's (possibly updated) recipient statuses back
// into msg at their original positions.
func mergeRecipients(msg *queue.Message, indices []int, sub *queue.Message) {
	for i, idx := range indices {
		msg.Recipients[idx] = sub.Recipients[i]
	}
}

// failRecipients marks every named, still-pending recipient TemporaryFailure
// with reason as its LastResponse — a connection or DNS-level failure is
// always retryable, never a permanent bounce.
func (w *worker) failRecipients(msg *queue.Message, indices []int, reason string) {
	for _, idx := range indices {
		r := &msg.Recipients[idx]
		if r.Status == queue.StatusCompleted || r.Status == queue.StatusPermanentFailure {
			continue
		}
		r.Status = queue.StatusTemporaryFailure
		r.LastResponse = reason
	}
	w.logger.Warn("delivery attempt failed", "reason", reason, "recipients", len(indices))
}
