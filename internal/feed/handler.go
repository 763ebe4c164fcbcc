package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"ledger-risk/internal/kafka"
	"ledger-risk/internal/ledger"
	"ledger-risk/internal/metrics"
	"ledger-risk/internal/storage"
)

// Index receives decoded events. *correlation.Engine implements it.
type Index interface {
	IngestTransaction(t ledger.Transaction) bool
	IngestLogin(l ledger.LoginEvent) bool
}

// Persister mirrors events into the ledger store. *storage.LedgerWriter
// implements it.
type Persister interface {
	WriteAccount(a ledger.Account) error
	WriteTransaction(t ledger.Transaction) error
	WriteLogin(l ledger.LoginEvent) error
}

// Quarantine stores messages that failed validation.
type Quarantine interface {
	Write(ctx context.Context, e storage.QuarantineEntry) error
}

// Handler applies feed messages. Invalid messages are quarantined and
// acknowledged; storage failures are returned so the offset is retried.
type Handler struct {
	index      Index
	validator  *Validator
	persist    Persister
	quarantine Quarantine
	logger     *slog.Logger

	applied     atomic.Int64
	quarantined atomic.Int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPersister mirrors accepted events into p before indexing them.
func WithPersister(p Persister) HandlerOption {
	return func(h *Handler) { h.persist = p }
}

// WithQuarantine stores rejected messages in q. Without it they are logged
// and dropped.
func WithQuarantine(q Quarantine) HandlerOption {
	return func(h *Handler) { h.quarantine = q }
}

// NewHandler creates a Handler feeding index.
func NewHandler(index Index, v *Validator, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{index: index, validator: v, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle is a kafka.MessageHandler.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	env, err := h.validator.Decode(msg.Value)
	if err != nil {
		return h.reject(ctx, msg, eventType(msg), err)
	}

	if err := h.apply(env); err != nil {
		metrics.FeedEvents.WithLabelValues(string(env.Type), "error").Inc()
		return err
	}

	h.applied.Add(1)
	metrics.FeedEvents.WithLabelValues(string(env.Type), "applied").Inc()
	return nil
}

func (h *Handler) apply(env *Envelope) error {
	switch env.Type {
	case EventTransaction:
		t := env.Transaction.Ledger()
		if h.persist != nil {
			if err := h.persist.WriteTransaction(t); err != nil {
				return fmt.Errorf("persist transaction %d: %w", t.ID, err)
			}
		}
		h.index.IngestTransaction(t)
	case EventLogin:
		l := env.Login.Ledger()
		if h.persist != nil {
			if err := h.persist.WriteLogin(l); err != nil {
				return fmt.Errorf("persist login %d: %w", l.ID, err)
			}
		}
		h.index.IngestLogin(l)
	case EventAccount:
		// Accounts only matter for display; the index keys on ids.
		if h.persist != nil {
			a := env.Account.Ledger()
			if err := h.persist.WriteAccount(a); err != nil {
				return fmt.Errorf("persist account %d: %w", a.ID, err)
			}
		}
	}
	return nil
}

func (h *Handler) reject(ctx context.Context, msg kafka.Message, typ string, cause error) error {
	h.logger.Warn("rejecting feed message",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", cause,
	)
	if h.quarantine != nil {
		entry := storage.QuarantineEntry{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Payload:   string(msg.Value),
			Reason:    cause.Error(),
		}
		if err := h.quarantine.Write(ctx, entry); err != nil {
			metrics.FeedEvents.WithLabelValues(typ, "error").Inc()
			return fmt.Errorf("quarantine offset %d: %w", msg.Offset, err)
		}
	}
	h.quarantined.Add(1)
	metrics.FeedEvents.WithLabelValues(typ, "quarantined").Inc()
	return nil
}

// eventType labels a message that could not be decoded, using the producer's
// type header when present.
func eventType(msg kafka.Message) string {
	switch t := EventType(msg.Headers["type"]); t {
	case EventTransaction, EventLogin, EventAccount:
		return string(t)
	}
	return "unknown"
}

// Counts returns the number of applied and quarantined messages.
func (h *Handler) Counts() (applied, quarantined int64) {
	return h.applied.Load(), h.quarantined.Load()
}

// IsInvalid reports whether err marks a permanently bad message.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}
