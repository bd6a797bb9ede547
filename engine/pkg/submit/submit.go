// Package submit drains engine intents toward the external ledger. The queue
// decouples engine operations from submission latency: Enqueue never blocks,
// and a full queue drops the intent rather than stalling a user operation.
// Reconciliation against the observed event stream is the safety net for
// anything dropped or dead-lettered here.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/tannatlabs/stakevault/engine/pkg/metrics"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/utils/pkg/retry"
)

// Submitter delivers a single intent to the ledger.
type Submitter interface {
	Submit(ctx context.Context, in stake.Intent) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Submitter Submitter
	QueueSize int
	// RateLimit caps submissions per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	Retry     retry.Config
	// MaxDeadLetters bounds the retained failure list; oldest entries are
	// evicted first. 0 uses the default.
	MaxDeadLetters int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// DeadLetter records an intent that exhausted its submission attempts.
type DeadLetter struct {
	Intent   stake.Intent `json:"intent"`
	Error    string       `json:"error"`
	FailedTs time.Time    `json:"failed_ts"`
}

type Queue struct {
	log     *slog.Logger
	cfg     Config
	ch      chan stake.Intent
	limiter *rate.Limiter

	mu   sync.Mutex
	dead []DeadLetter
}

func NewQueue(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	return &Queue{
		log:     cfg.Logger,
		cfg:     cfg,
		ch:      make(chan stake.Intent, cfg.QueueSize),
		limiter: limiter,
	}, nil
}

// Enqueue implements stake.IntentSink. It never blocks; a full queue drops
// the intent with a warning.
func (q *Queue) Enqueue(in stake.Intent) {
	select {
	case q.ch <- in:
	default:
		q.log.Warn("submit: queue full, dropping intent",
			"kind", in.Kind, "owner", in.Owner.String(), "seed", in.Seed)
		metrics.SubmissionAttemptsTotal.WithLabelValues("dropped").Inc()
	}
}

// Run drains the queue until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("submit: starting drain loop", "queue_size", q.cfg.QueueSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-q.ch:
			q.submit(ctx, in)
		}
	}
}

func (q *Queue) submit(ctx context.Context, in stake.Intent) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
	}

	err := retry.Do(ctx, q.cfg.Retry, func() error {
		return q.cfg.Submitter.Submit(ctx, in)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		q.log.Error("submit: intent failed, dead-lettering",
			"kind", in.Kind, "owner", in.Owner.String(), "seed", in.Seed, "error", err)
		metrics.SubmissionAttemptsTotal.WithLabelValues("error").Inc()
		q.addDeadLetter(in, err)
		return
	}
	metrics.SubmissionAttemptsTotal.WithLabelValues("success").Inc()
}

func (q *Queue) addDeadLetter(in stake.Intent, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{
		Intent:   in,
		Error:    err.Error(),
		FailedTs: q.cfg.Clock.Now().UTC(),
	})
	if len(q.dead) > q.cfg.MaxDeadLetters {
		q.dead = q.dead[len(q.dead)-q.cfg.MaxDeadLetters:]
	}
	metrics.SubmissionDeadLetters.Set(float64(len(q.dead)))
}

// Failed returns a copy of the dead-letter list, oldest first.
func (q *Queue) Failed() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Pending reports the number of queued intents not yet drained.
func (q *Queue) Pending() int {
	return len(q.ch)
}

// LogSubmitter records intents to the log only. Used for dry runs and local
// development without a relayer.
type LogSubmitter struct {
	Logger *slog.Logger
}

func (s *LogSubmitter) Submit(ctx context.Context, in stake.Intent) error {
	s.Logger.Info("submit: intent",
		"kind", in.Kind, "owner", in.Owner.String(),
		"address", in.Address.String(), "seed", in.Seed, "amount", in.Amount)
	return nil
}

// HTTPSubmitter posts intents as JSON to a relayer endpoint.
type HTTPSubmitter struct {
	URL    string
	Client *http.Client
}

type intentPayload struct {
	Kind      stake.IntentKind `json:"kind"`
	Owner     string           `json:"owner"`
	Address   string           `json:"address"`
	Seed      string           `json:"seed"`
	Amount    uint64           `json:"amount"`
	CreatedTs time.Time        `json:"created_ts"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, in stake.Intent) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(intentPayload{
		Kind:      in.Kind,
		Owner:     in.Owner.String(),
		Address:   in.Address.String(),
		Seed:      in.Seed,
		Amount:    in.Amount,
		CreatedTs: in.CreatedTs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post intent: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("relayer returned status %d", resp.StatusCode)
	}
	return nil
}
