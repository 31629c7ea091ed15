// Package tiered provides a Hot/Cold tiered storage adapter that puts fast
// ephemeral storage (Hot, e.g. Redis) in front of durable storage (Cold, e.g.
// Postgres or Firestore).
//
// Cold is the source of truth for every mutation. Hot only answers reads whose
// positive result can never become wrong: key records are immutable and a
// processed event stays processed for its retention window. Everything else
// reads Cold.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

var _ keymeter.Storage = (*Storage)(nil)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage for read-through lookups
	Hot keymeter.Storage

	// Cold is the L2 persistence storage and the source of truth
	Cold keymeter.Storage

	// AsyncFill populates Hot from a background worker instead of inline.
	AsyncFill bool

	// SyncBufferSize is the size of the buffered channel for async fills.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot fill fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered keymeter.Storage:
// - Read-Through: key records, processed events (Hot → Cold → fill Hot)
// - Write-Through: key inserts, provisions, event marks (Cold → Hot)
// - Cold-Only: accounts and usage counting
type Storage struct {
	hot  keymeter.Storage
	cold keymeter.Storage
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncFill {
		s.startWorker()
	}
	return s, nil
}

// Close drains pending fills and stops the worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncFill {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// Ping reports Cold health. Hot failures only cost latency.
func (s *Storage) Ping(ctx context.Context) error {
	if p, ok := s.cold.(keymeter.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func() error) {
	if err := job(); err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered fill failed: %w", err))
	}
}

// fill populates Hot, inline or through the worker. Fills never fail the
// calling operation.
func (s *Storage) fill(job func(ctx context.Context) error) {
	if !s.conf.AsyncFill {
		s.run(func() error { return job(context.Background()) })
		return
	}
	select {
	case s.syncQueue <- func() error { return job(context.Background()) }:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: sync queue full, dropping hot fill"))
		}
	}
}

func (s *Storage) fillKey(rec *keymeter.KeyRecord) {
	recCopy := *rec
	s.fill(func(ctx context.Context) error {
		err := s.hot.InsertKeyRecord(ctx, &recCopy)
		if errors.Is(err, keymeter.ErrConflict) {
			return nil
		}
		return err
	})
}

func (s *Storage) fillEvent(eventID string, ttl time.Duration) {
	s.fill(func(ctx context.Context) error {
		_, err := s.hot.MarkEventProcessed(ctx, eventID, ttl)
		return err
	})
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetKeyRecord implements keymeter.Storage with read-through strategy.
func (s *Storage) GetKeyRecord(ctx context.Context, hashedKey string) (*keymeter.KeyRecord, error) {
	if rec, err := s.hot.GetKeyRecord(ctx, hashedKey); err == nil {
		return rec, nil
	}
	rec, err := s.cold.GetKeyRecord(ctx, hashedKey)
	if err != nil {
		return nil, err
	}
	s.fillKey(rec)
	return rec, nil
}

// EventProcessed implements keymeter.Storage with read-through strategy. A
// positive Hot answer is final; a negative one is confirmed by Cold.
func (s *Storage) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	if ok, err := s.hot.EventProcessed(ctx, eventID); err == nil && ok {
		return true, nil
	}
	return s.cold.EventProcessed(ctx, eventID)
}

// --- Strategy: Write-Through (Cold → Hot) ---

// InsertKeyRecord implements keymeter.Storage with write-through strategy.
func (s *Storage) InsertKeyRecord(ctx context.Context, rec *keymeter.KeyRecord) error {
	if err := s.cold.InsertKeyRecord(ctx, rec); err != nil {
		return err
	}
	s.fillKey(rec)
	return nil
}

// Provision implements keymeter.Storage with write-through strategy.
func (s *Storage) Provision(ctx context.Context, req *keymeter.ProvisionRequest) (*keymeter.ProvisionResult, error) {
	res, err := s.cold.Provision(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.KeyIssued && res.Account != nil {
		s.fillKey(&keymeter.KeyRecord{
			HashedKey:  res.Account.HashedKey,
			CustomerID: res.Account.CustomerID,
			CreatedAt:  res.Account.UpdatedAt,
		})
	}
	if !res.AlreadyProcessed {
		s.fillEvent(req.EventID, req.EventTTL)
	}
	return res, nil
}

// MarkEventProcessed implements keymeter.Storage with write-through strategy.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	marked, err := s.cold.MarkEventProcessed(ctx, eventID, ttl)
	if err != nil {
		return false, err
	}
	if marked {
		s.fillEvent(eventID, ttl)
	}
	return marked, nil
}

// --- Strategy: Cold-Only ---
// Account state and counters must be exact.

// GetAccount implements keymeter.Storage with cold-only strategy.
func (s *Storage) GetAccount(ctx context.Context, customerID string) (*keymeter.Account, error) {
	return s.cold.GetAccount(ctx, customerID)
}

// ActivateAccount implements keymeter.Storage with cold-only strategy.
func (s *Storage) ActivateAccount(
	ctx context.Context,
	customerID, billingItemRef string,
	now time.Time,
) (*keymeter.Account, error) {
	return s.cold.ActivateAccount(ctx, customerID, billingItemRef, now)
}

// DeactivateAccount implements keymeter.Storage with cold-only strategy.
func (s *Storage) DeactivateAccount(ctx context.Context, customerID string, now time.Time) (*keymeter.Account, error) {
	return s.cold.DeactivateAccount(ctx, customerID, now)
}

// RecordUsage implements keymeter.Storage with cold-only strategy.
func (s *Storage) RecordUsage(ctx context.Context, req *keymeter.RecordUsageRequest) (*keymeter.RecordUsageResult, error) {
	return s.cold.RecordUsage(ctx, req)
}
