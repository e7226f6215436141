package msggate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inwire/msggate/internal/metrics"
)

// OutcomeKind is the terminal state of one ingestion attempt.
type OutcomeKind string

const (
	OutcomeAccepted        OutcomeKind = "accepted"
	OutcomeDuplicate       OutcomeKind = "duplicate"
	OutcomeRejectedAuth    OutcomeKind = "rejected_auth"
	OutcomeRejectedStorage OutcomeKind = "rejected_storage"
)

const webhookRequestsMetric = "webhook_requests_total"

// IngestResult is handed back to the transport layer, which renders the
// response and access-log fields from it. Accepted and Duplicate both map
// to the same success-shaped response; they diverge only in metrics.
type IngestResult struct {
	Kind    OutcomeKind
	Message Message
	Err     error
}

func (r IngestResult) Succeeded() bool {
	return r.Kind == OutcomeAccepted || r.Kind == OutcomeDuplicate
}

type PipelineOptions struct {
	// InsertTimeout bounds the detached insert; zero means 5s.
	InsertTimeout time.Duration
	// Stream receives accepted messages for live tailing; optional.
	Stream *Broadcaster
	Logger *slog.Logger
}

// Pipeline runs one inbound webhook event through signature verification,
// idempotent persistence, and metrics recording.
type Pipeline struct {
	gate          *SignatureGate
	store         MessageStore
	registry      *metrics.Registry
	stream        *Broadcaster
	log           *slog.Logger
	insertTimeout time.Duration
}

func NewPipeline(gate *SignatureGate, store MessageStore, registry *metrics.Registry, opts PipelineOptions) *Pipeline {
	if opts.InsertTimeout <= 0 {
		opts.InsertTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		gate:          gate,
		store:         store,
		registry:      registry,
		stream:        opts.Stream,
		log:           opts.Logger,
		insertTimeout: opts.InsertTimeout,
	}
}

// Ingest verifies the signature over rawBody, then attempts the idempotent
// insert. Auth failures never reach the store. Exactly one counter is
// recorded per determined outcome; nothing is recorded when no outcome was
// reached (the store never returns before deciding, so every call records).
func (p *Pipeline) Ingest(ctx context.Context, rawBody []byte, signature string, event Message) IngestResult {
	if err := p.gate.Verify(rawBody, signature); err != nil {
		p.recordOutcome(OutcomeRejectedAuth)
		p.log.Warn("webhook rejected",
			slog.String("message_id", event.MessageID),
			slog.String("reason", err.Error()))
		return IngestResult{Kind: OutcomeRejectedAuth, Err: err}
	}

	event.ReceivedAt = time.Now().UTC()

	// The insert is detached from the request context: a client disconnect
	// after the signature check must not abandon a half-decided write.
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.insertTimeout)
	defer cancel()
	outcome, err := p.store.Insert(insertCtx, event)
	if err != nil {
		p.recordOutcome(OutcomeRejectedStorage)
		p.log.Error("webhook insert failed",
			slog.String("message_id", event.MessageID),
			slog.String("error", err.Error()))
		if !errors.Is(err, ErrUnavailable) {
			err = errors.Join(ErrUnavailable, err)
		}
		return IngestResult{Kind: OutcomeRejectedStorage, Err: err}
	}

	if outcome == AlreadyExists {
		p.recordOutcome(OutcomeDuplicate)
		return IngestResult{Kind: OutcomeDuplicate, Message: event}
	}
	p.recordOutcome(OutcomeAccepted)
	if p.stream != nil {
		p.stream.Publish(event)
	}
	return IngestResult{Kind: OutcomeAccepted, Message: event}
}

func (p *Pipeline) recordOutcome(kind OutcomeKind) {
	result := map[OutcomeKind]string{
		OutcomeAccepted:        "success",
		OutcomeDuplicate:       "duplicate",
		OutcomeRejectedAuth:    "rejected_auth",
		OutcomeRejectedStorage: "rejected_storage",
	}[kind]
	p.registry.IncCounter(webhookRequestsMetric, metrics.Labels{"result": result})
}

// Configured exposes the signature gate's readiness probe.
func (p *Pipeline) Configured() bool {
	return p.gate.Configured()
}

// CheckConnection exposes the store's readiness probe.
func (p *Pipeline) CheckConnection(ctx context.Context) bool {
	return p.store.CheckConnection(ctx)
}
