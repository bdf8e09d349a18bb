package dns

import (
	"context"
	"errors"
	"net"
	"time"

	"adward/pkg/blocklist"
	"adward/pkg/logging"
	"adward/pkg/storage"
	"adward/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Decider classifies a domain against the active block/allow snapshot.
type Decider interface {
	Match(domain string) blocklist.MatchResult
}

// Upstream relays a raw query and returns the raw reply.
type Upstream interface {
	Forward(ctx context.Context, raw []byte) ([]byte, error)
}

// Auditor records filtering decisions.
type Auditor interface {
	Log(ctx context.Context, action storage.Action, domain string)
}

// ReplyWriter sends a reply datagram; net.PacketConn satisfies it.
type ReplyWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Handler processes one datagram end to end.
type Handler struct {
	decider  Decider
	upstream Upstream
	audit    Auditor
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	// PTR names whose queries are filtered but not audited
	auditExempt map[string]struct{}
}

// NewHandler creates a handler. Loopback reverse lookups are exempt from
// auditing until SetBindHost adds the listener's own address.
func NewHandler(decider Decider, upstream Upstream, audit Auditor, logger *logging.Logger, metrics *telemetry.Metrics) *Handler {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Handler{
		decider:     decider,
		upstream:    upstream,
		audit:       audit,
		logger:      logger,
		metrics:     metrics,
		tracer:      noop.NewTracerProvider().Tracer("adward"),
		auditExempt: loopbackReverseNames(""),
	}
}

// SetTracer sets the tracer used for per-query spans
func (h *Handler) SetTracer(t trace.Tracer) {
	if t != nil {
		h.tracer = t
	}
}

// SetBindHost exempts reverse lookups of host from auditing when host is a
// loopback address. It must be called before the handler serves queries.
func (h *Handler) SetBindHost(host string) {
	h.auditExempt = loopbackReverseNames(host)
}

// ServeDatagram decodes raw, applies the block/allow decision and writes at
// most one reply to client. Malformed datagrams and failed upstream exchanges
// produce no reply.
func (h *Handler) ServeDatagram(ctx context.Context, raw []byte, client net.Addr, w ReplyWriter) {
	startTime := time.Now()

	q, err := Decode(raw, client)
	if err != nil {
		h.metrics.DNSMalformedDropped.Add(ctx, 1)
		h.logger.Debug("Dropping malformed datagram", "client", addrString(client), "bytes", len(raw), "error", err)
		return
	}

	h.metrics.ActiveQueries.Add(ctx, 1)
	defer h.metrics.ActiveQueries.Add(ctx, -1)

	ctx, span := h.tracer.Start(ctx, "dns.query",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("dns.question.name", q.Name),
			attribute.String("dns.question.type", q.TypeString()),
			attribute.String("client.address", addrString(client)),
		))
	defer span.End()

	h.metrics.DNSQueriesTotal.Add(ctx, 1, withType(q))

	_, exempt := h.auditExempt[q.Name]
	h.record(ctx, exempt, storage.ActionReceived, q.Name)

	match := h.decider.Match(q.Name)
	span.SetAttributes(attribute.String("adward.decision", match.Decision.String()))

	var action storage.Action
	switch match.Decision {
	case blocklist.Block:
		if !h.block(ctx, q, w) {
			span.SetStatus(codes.Error, "block reply failed")
			return
		}
		action = storage.ActionBlocked
	default:
		if match.Allowed && match.Listed {
			h.metrics.DNSAllowlistedQueries.Add(ctx, 1)
		}
		if err := h.forward(ctx, q, w); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		action = storage.ActionForwarded
	}

	h.record(ctx, exempt, action, q.Name)

	duration := time.Since(startTime)
	h.metrics.DNSQueryDuration.Record(ctx, float64(duration.Microseconds())/1000, withType(q))
	h.logger.Debug("DNS query processed",
		"domain", q.Name,
		"type", q.TypeString(),
		"client", addrString(client),
		"action", string(action),
		"duration", duration)
}

func (h *Handler) block(ctx context.Context, q *Query, w ReplyWriter) bool {
	reply, err := EncodeBlockResponse(q)
	if err != nil {
		h.logger.Error("Failed to encode block response", "domain", q.Name, "error", err)
		return false
	}
	if !h.reply(reply, q, w) {
		return false
	}
	h.metrics.DNSBlockedQueries.Add(ctx, 1, withType(q))
	return true
}

func (h *Handler) forward(ctx context.Context, q *Query, w ReplyWriter) error {
	reply, err := h.upstream.Forward(ctx, q.Raw)
	if err != nil {
		h.logger.Debug("Upstream exchange failed, no reply sent",
			"domain", q.Name,
			"client", addrString(q.Client),
			"error", err)
		return err
	}
	if !h.reply(reply, q, w) {
		return errReplyFailed
	}
	h.metrics.DNSForwardedQueries.Add(ctx, 1, withType(q))
	return nil
}

var errReplyFailed = errors.New("failed to send reply")

func (h *Handler) reply(b []byte, q *Query, w ReplyWriter) bool {
	if _, err := w.WriteTo(b, q.Client); err != nil {
		h.logger.Debug("Failed to send reply", "domain", q.Name, "client", addrString(q.Client), "error", err)
		return false
	}
	return true
}

func (h *Handler) record(ctx context.Context, exempt bool, action storage.Action, domain string) {
	if exempt || h.audit == nil {
		return
	}
	h.audit.Log(ctx, action, domain)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
