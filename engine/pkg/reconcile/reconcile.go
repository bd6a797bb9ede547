// Package reconcile ingests the external ledger event stream for the staking
// program and checks the engine's aggregate ledger against it. Events are
// observations, never commands: the ingestor records and compares, and
// surfaces drift for an operator instead of auto-correcting engine state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/tannatlabs/stakevault/engine/pkg/metrics"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/utils/pkg/retry"
)

// Confidence is how settled an observed event is. Confirmed events may still
// be rolled back by the ledger; finalized events never change.
type Confidence string

const (
	ConfidenceConfirmed Confidence = "confirmed"
	ConfidenceFinalized Confidence = "finalized"
)

// EventKind mirrors the staking program's instruction set.
type EventKind string

const (
	EventOpen     EventKind = "open"
	EventClose    EventKind = "close"
	EventWithdraw EventKind = "withdraw"
	EventClaim    EventKind = "claim"
	EventVest     EventKind = "vest"
	EventUnknown  EventKind = "unknown"
)

// EventHeader is the cheap per-signature listing returned by a source scan.
type EventHeader struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime time.Time
	Finalized bool
	Failed    bool
}

// Event is a fully resolved ledger event.
type Event struct {
	Signature  solana.Signature
	Kind       EventKind
	Owner      solana.PublicKey
	Address    solana.PublicKey
	Amount     uint64
	Slot       uint64
	BlockTime  time.Time
	Confidence Confidence
	IngestedTs time.Time
}

// Source lists and resolves ledger events for the staking program.
type Source interface {
	Recent(ctx context.Context, limit int) ([]EventHeader, error)
	Detail(ctx context.Context, header EventHeader) (*Event, error)
}

// Store persists ingested events keyed by signature.
type Store interface {
	Seen(ctx context.Context, sig solana.Signature) (bool, Confidence, error)
	InsertEvent(ctx context.Context, ev Event) error
	MarkFinalized(ctx context.Context, sig solana.Signature) error
}

// Invariants is the engine surface the ingestor audits after each pass.
type Invariants interface {
	CheckInvariants() stake.DriftReport
}

type IngestorConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Source       Source
	Store        Store
	Engine       Invariants // optional; if nil, the drift audit is skipped
	ScanInterval time.Duration
	BatchSize    int
	Retry        retry.Config
}

func (cfg *IngestorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.ScanInterval <= 0 {
		return errors.New("scan interval must be greater than 0")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ingestor polls the source, deduplicates by signature, upgrades confirmed
// events to finalized, and audits the engine aggregates after each pass.
type Ingestor struct {
	log    *slog.Logger
	cfg    IngestorConfig
	scanMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingestor{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (in *Ingestor) Ready() bool {
	select {
	case <-in.readyCh:
		return true
	default:
		return false
	}
}

func (in *Ingestor) WaitReady(ctx context.Context) error {
	select {
	case <-in.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for ingestor: %w", ctx.Err())
	}
}

func (in *Ingestor) Start(ctx context.Context) {
	go func() {
		in.log.Info("reconcile: starting scan loop", "interval", in.cfg.ScanInterval)

		in.safeScan(ctx)

		ticker := in.cfg.Clock.NewTicker(in.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				in.safeScan(ctx)
			}
		}
	}()
}

func (in *Ingestor) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			in.log.Error("reconcile: scan panicked", "panic", r)
			metrics.EventsIngestedTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := in.Scan(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		in.log.Error("reconcile: scan failed", "error", err)
	}
}

// ScanStats reports a single scan pass.
type ScanStats struct {
	Listed   int
	Inserted int
	Upgraded int
	Skipped  int
}

func (in *Ingestor) Scan(ctx context.Context) error {
	in.scanMu.Lock()
	defer in.scanMu.Unlock()

	_, err := in.scanOnce(ctx)
	if err != nil {
		return err
	}

	if in.cfg.Engine != nil {
		report := in.cfg.Engine.CheckInvariants()
		if !report.Clean() {
			in.log.Error("reconcile: engine aggregates drifted",
				"total_staked_drift", report.TotalStakedDrift,
				"staking_power_drift", report.StakingPowerDrift,
				"pool_negative", report.PoolNegative)
		}
	}

	in.readyOnce.Do(func() { close(in.readyCh) })
	return nil
}

func (in *Ingestor) scanOnce(ctx context.Context) (ScanStats, error) {
	var stats ScanStats

	headers, err := in.cfg.Source.Recent(ctx, in.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list recent events: %w", err)
	}
	stats.Listed = len(headers)

	for _, h := range headers {
		if h.Failed {
			stats.Skipped++
			continue
		}

		seen, confidence, err := in.cfg.Store.Seen(ctx, h.Signature)
		if err != nil {
			return stats, fmt.Errorf("failed to check signature %s: %w", h.Signature, err)
		}
		if seen {
			if h.Finalized && confidence == ConfidenceConfirmed {
				if err := in.cfg.Store.MarkFinalized(ctx, h.Signature); err != nil {
					return stats, fmt.Errorf("failed to finalize signature %s: %w", h.Signature, err)
				}
				stats.Upgraded++
				metrics.EventsIngestedTotal.WithLabelValues("finalized").Inc()
			} else {
				stats.Skipped++
			}
			continue
		}

		var ev *Event
		err = retry.Do(ctx, in.cfg.Retry, func() error {
			var derr error
			ev, derr = in.cfg.Source.Detail(ctx, h)
			return derr
		})
		if err != nil {
			// A single unresolvable signature should not wedge the stream.
			in.log.Warn("reconcile: failed to resolve event, skipping", "signature", h.Signature.String(), "error", err)
			metrics.EventsIngestedTotal.WithLabelValues("error").Inc()
			stats.Skipped++
			continue
		}

		ev.IngestedTs = in.cfg.Clock.Now().UTC()
		if err := in.cfg.Store.InsertEvent(ctx, *ev); err != nil {
			return stats, fmt.Errorf("failed to insert event %s: %w", h.Signature, err)
		}
		stats.Inserted++
		metrics.EventsIngestedTotal.WithLabelValues("inserted").Inc()
	}

	if stats.Inserted > 0 || stats.Upgraded > 0 {
		in.log.Info("reconcile: scan completed",
			"listed", stats.Listed, "inserted", stats.Inserted,
			"upgraded", stats.Upgraded, "skipped", stats.Skipped)
	} else {
		in.log.Debug("reconcile: scan completed", "listed", stats.Listed, "skipped", stats.Skipped)
	}

	return stats, nil
}
