package submit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/engine/pkg/submit"
	"github.com/tannatlabs/stakevault/utils/pkg/retry"
	vaulttesting "github.com/tannatlabs/stakevault/utils/pkg/testing"
)

type mockSubmitter struct {
	mu        sync.Mutex
	submitted []stake.Intent
	err       error
	calls     atomic.Int64
	done      chan struct{}
}

func (m *mockSubmitter) Submit(ctx context.Context, in stake.Intent) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.submitted = append(m.submitted, in)
	if m.done != nil {
		select {
		case m.done <- struct{}{}:
		default:
		}
	}
	return nil
}

func testIntent(seed string) stake.Intent {
	return stake.Intent{
		Kind:      stake.IntentOpen,
		Owner:     solana.NewWallet().PublicKey(),
		Seed:      seed,
		Amount:    1_000_000,
		CreatedTs: time.Now().UTC(),
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestVault_Submit_DrainsQueue(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{done: make(chan struct{}, 16)}
	q, err := submit.NewQueue(submit.Config{
		Logger:    vaulttesting.NewLogger(),
		Submitter: sub,
		QueueSize: 16,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testIntent("a"))
	q.Enqueue(testIntent("b"))

	for i := 0; i < 2; i++ {
		select {
		case <-sub.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for submission")
		}
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.submitted, 2)
	require.Equal(t, "a", sub.submitted[0].Seed)
	require.Equal(t, "b", sub.submitted[1].Seed)
}

func TestVault_Submit_FullQueueDrops(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{}
	q, err := submit.NewQueue(submit.Config{
		Logger:    vaulttesting.NewLogger(),
		Submitter: sub,
		QueueSize: 2,
	})
	require.NoError(t, err)

	// No drain loop running: the third enqueue must drop, not block.
	q.Enqueue(testIntent("a"))
	q.Enqueue(testIntent("b"))
	q.Enqueue(testIntent("c"))

	require.Equal(t, 2, q.Pending())
}

func TestVault_Submit_DeadLetters(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{err: errors.New("connection refused")}
	q, err := submit.NewQueue(submit.Config{
		Logger:    vaulttesting.NewLogger(),
		Submitter: sub,
		QueueSize: 4,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testIntent("doomed"))

	require.Eventually(t, func() bool {
		return len(q.Failed()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	failed := q.Failed()
	require.Equal(t, "doomed", failed[0].Intent.Seed)
	require.Contains(t, failed[0].Error, "connection refused")
	// Retryable error, so both attempts were spent.
	require.Equal(t, int64(2), sub.calls.Load())
}

func TestVault_Submit_HTTPSubmitter(t *testing.T) {
	t.Parallel()

	t.Run("posts intent payload", func(t *testing.T) {
		t.Parallel()
		var gotContentType atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotContentType.Store(r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		sub := &submit.HTTPSubmitter{URL: srv.URL}
		require.NoError(t, sub.Submit(context.Background(), testIntent("a")))
		require.Equal(t, "application/json", gotContentType.Load())
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		sub := &submit.HTTPSubmitter{URL: srv.URL}
		err := sub.Submit(context.Background(), testIntent("a"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "502")
	})
}
