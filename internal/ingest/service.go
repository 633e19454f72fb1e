// Package ingest accepts collected items from the browser extension and
// persists each one exactly once.
package ingest

import (
	"context"
	"fmt"

	"tt2tg/internal/dedup"
	"tt2tg/internal/eventbus"
	"tt2tg/internal/item"
	"tt2tg/internal/queue"
	logx "tt2tg/pkg/logx"
)

// Outcome is the result of a successful submission.
type Outcome int

const (
	Queued Outcome = iota + 1
	DuplicateSkipped
)

// Message is the producer-facing text for o.
func (o Outcome) Message() string {
	switch o {
	case Queued:
		return "accepted, queued"
	case DuplicateSkipped:
		return "accepted, duplicate-skipped"
	default:
		return "unknown"
	}
}

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case DuplicateSkipped:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Service runs validate, identify, cache check, store append.
type Service struct {
	store queue.Store
	cache *dedup.Cache
	bus   eventbus.Bus
	log   logx.Logger
}

func NewService(store queue.Store, cache *dedup.Cache, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cache == nil {
		cache = dedup.New(0)
	}
	return &Service{store: store, cache: cache, bus: bus, log: log}
}

// Submit ingests one raw payload. Validation failures are returned as
// *item.ValidationError; any other error means the producer may retry.
//
// The cache records a key only after the store write succeeds, so a failed
// write leaves the item retryable. A key evicted from the cache is still
// caught by the store.
func (s *Service) Submit(ctx context.Context, raw []byte) (Outcome, error) {
	it, key, err := item.Parse(raw)
	if err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		return 0, err
	}
	log := s.log.With(logx.String("kind", string(it.Kind)), logx.String("key", key))

	if s.cache.Contains(key) {
		s.duplicate(it, key)
		log.Debug("duplicate skipped (cache)")
		return DuplicateSkipped, nil
	}

	res, err := s.store.AppendIfAbsent(ctx, it)
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("persist item: %w", err)
	}
	s.cache.Record(key)

	if res == queue.Duplicate {
		s.duplicate(it, key)
		log.Debug("duplicate skipped (store)")
		return DuplicateSkipped, nil
	}
	submissionsTotal.WithLabelValues("queued").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.ItemQueued, Data: eventbus.ItemData{Kind: string(it.Kind), Key: key}})
	log.Info("item queued")
	return Queued, nil
}

func (s *Service) duplicate(it item.Item, key string) {
	submissionsTotal.WithLabelValues("duplicate").Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.ItemDuplicate, Data: eventbus.ItemData{Kind: string(it.Kind), Key: key}})
}

// Pending reports the number of items awaiting delivery.
func (s *Service) Pending(ctx context.Context) (int, error) {
	return s.store.Pending(ctx)
}
