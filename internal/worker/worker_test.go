package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	ledgermem "github.com/JakeFAU/campaign-indexer/internal/ledger/memory"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
	pubmem "github.com/JakeFAU/campaign-indexer/internal/publisher/memory"
	queuemem "github.com/JakeFAU/campaign-indexer/internal/queue/memory"
	storemem "github.com/JakeFAU/campaign-indexer/internal/storage/memory"
)

type notifierFunc func(ctx context.Context, url string) error

func (f notifierFunc) Notify(ctx context.Context, url string) error {
	return f(ctx, url)
}

type countingNotifier struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(url string, call int) error
}

func newCountingNotifier(script func(url string, call int) error) *countingNotifier {
	return &countingNotifier{calls: make(map[string]int), script: script}
}

func (n *countingNotifier) Notify(_ context.Context, url string) error {
	n.mu.Lock()
	n.calls[url]++
	call := n.calls[url]
	n.mu.Unlock()
	if n.script == nil {
		return nil
	}
	return n.script(url, call)
}

func (n *countingNotifier) count(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

// slowLimiter sleeps before every grant and records whether the caller's
// context carried a deadline.
type slowLimiter struct {
	delay time.Duration
	fails atomic.Int32

	mu           sync.Mutex
	calls        int
	sawDeadlines int
}

func (l *slowLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.calls++
	if _, ok := ctx.Deadline(); ok {
		l.sawDeadlines++
	}
	l.mu.Unlock()
	if l.fails.Load() > 0 {
		l.fails.Add(-1)
		return errors.New("rate limit wait: redis unavailable")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.delay):
		return nil
	}
}

// flakyLedger fails RefundOnce while failures remain.
type flakyLedger struct {
	*ledgermem.Ledger
	failures atomic.Int32
	calls    atomic.Int32
}

func (l *flakyLedger) RefundOnce(ctx context.Context, owner, key string, amount int64) (int64, bool, error) {
	l.calls.Add(1)
	if l.failures.Load() > 0 {
		l.failures.Add(-1)
		return 0, false, errors.New("ledger unavailable")
	}
	return l.Ledger.RefundOnce(ctx, owner, key, amount)
}

// raceStore serves one stale read of a campaign, as seen by a worker that
// loaded it just before another delivery resolved the URL.
type raceStore struct {
	*storemem.CampaignStore
	mu    sync.Mutex
	stale *campaign.Campaign
}

func (s *raceStore) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	s.mu.Lock()
	stale := s.stale
	s.stale = nil
	s.mu.Unlock()
	if stale != nil {
		return *stale, nil
	}
	return s.CampaignStore.Get(ctx, id)
}

type harness struct {
	queue     *queuemem.Queue
	store     *storemem.CampaignStore
	ledger    *ledgermem.Ledger
	publisher *pubmem.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics.Init()
	q := queuemem.NewQueue(time.Minute)
	t.Cleanup(q.Close)
	return &harness{
		queue:     q,
		store:     storemem.NewCampaignStore(),
		ledger:    ledgermem.New(),
		publisher: pubmem.New(),
	}
}

func (h *harness) worker(notifier campaign.Notifier, cfg Config) *Worker {
	return h.workerWith(notifier, nil, h.ledger, cfg)
}

func (h *harness) workerWith(notifier campaign.Notifier, limiter campaign.Limiter, ledger campaign.Ledger, cfg Config) *Worker {
	if cfg.Topic == "" {
		cfg.Topic = "indexing-outcomes"
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
		cfg.BackoffMax = 5 * time.Millisecond
	}
	cfg.RefundBackoff = time.Millisecond
	return New(h.queue, h.store, ledger, notifier, limiter, h.publisher, campaign.SystemClock{}, cfg, zap.NewNop())
}

// seed mirrors intake: open the account, debit one credit per URL, persist and enqueue.
func (h *harness) seed(t *testing.T, id string, credits int64, urls ...string) campaign.Campaign {
	t.Helper()
	ctx := context.Background()
	_, err := h.ledger.Open(ctx, "owner", credits)
	require.NoError(t, err)
	ok, _, err := h.ledger.TryDebit(ctx, "owner", int64(len(urls)))
	require.NoError(t, err)
	require.True(t, ok)

	c := campaign.Campaign{
		ID:          id,
		OwnerToken:  "owner",
		Name:        "test",
		URLs:        urls,
		URLStatuses: make([]campaign.URLStatus, len(urls)),
		TotalURLs:   len(urls),
		Status:      campaign.StatusInProgress,
		CreatedAt:   time.Now().UTC(),
	}
	for i := range c.URLStatuses {
		c.URLStatuses[i] = campaign.URLPending
	}
	require.NoError(t, h.store.Create(ctx, c))
	for i, u := range urls {
		require.NoError(t, h.queue.Enqueue(ctx, campaign.Job{
			CampaignID: id, URLIndex: i, URL: u, OwnerToken: "owner",
		}, 0))
	}
	return c
}

func (h *harness) campaign(t *testing.T, id string) campaign.Campaign {
	t.Helper()
	c, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), "owner")
	require.NoError(t, err)
	return bal
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWorkerCompletesCampaign(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "c-ok", 10, "https://a.example/", "https://b.example/", "https://c.example/")
	require.EqualValues(t, 7, h.balance(t))

	runWorker(t, h.worker(newCountingNotifier(nil), Config{}))

	require.Eventually(t, func() bool {
		return h.campaign(t, "c-ok").Status == campaign.StatusComplete
	}, time.Second, 5*time.Millisecond)

	c := h.campaign(t, "c-ok")
	require.Equal(t, 3, c.IndexedCount)
	require.Zero(t, c.FailedCount)
	require.EqualValues(t, 7, h.balance(t))
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)

	outcomes := h.publisher.Outcomes("indexing-outcomes")
	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		require.Equal(t, campaign.URLSubmitted, out.Status)
		require.Equal(t, 1, out.Attempts)
	}
	require.Equal(t, campaign.StatusComplete, outcomes[2].Campaign)
}

func TestWorkerPermanentFailureRefundsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "c-perm", 5, "https://good.example/", "https://gone.example/")
	notifier := newCountingNotifier(func(url string, _ int) error {
		if url == "https://gone.example/" {
			return fmt.Errorf("status 404: %w", campaign.ErrPermanent)
		}
		return nil
	})
	runWorker(t, h.worker(notifier, Config{}))

	require.Eventually(t, func() bool {
		c := h.campaign(t, "c-perm")
		return c.IndexedCount+c.FailedCount == 2
	}, time.Second, 5*time.Millisecond)

	c := h.campaign(t, "c-perm")
	require.Equal(t, campaign.StatusFailed, c.Status)
	require.Equal(t, []campaign.URLStatus{campaign.URLSubmitted, campaign.URLFailed}, c.URLStatuses)
	require.Eventually(t, func() bool { return h.balance(t) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, notifier.count("https://gone.example/"))
}

func TestWorkerRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "c-retry", 1, "https://flaky.example/")
	notifier := newCountingNotifier(func(_ string, call int) error {
		if call <= 2 {
			return fmt.Errorf("status 503: %w", campaign.ErrTransient)
		}
		return nil
	})
	runWorker(t, h.worker(notifier, Config{MaxAttempts: 5}))

	require.Eventually(t, func() bool {
		return h.campaign(t, "c-retry").Status == campaign.StatusComplete
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, notifier.count("https://flaky.example/"))
	require.Zero(t, h.balance(t))

	require.Eventually(t, func() bool { return len(h.publisher.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msgs := h.publisher.Messages()
	require.Equal(t, 3, msgs[0].Payload.(campaign.Outcome).Attempts)
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "c-exhaust", 1, "https://down.example/")
	notifier := newCountingNotifier(func(string, int) error {
		return fmt.Errorf("timeout: %w", campaign.ErrTransient)
	})
	runWorker(t, h.worker(notifier, Config{MaxAttempts: 3}))

	require.Eventually(t, func() bool {
		return h.campaign(t, "c-exhaust").Status == campaign.StatusFailed
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.balance(t) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, notifier.count("https://down.example/"))

	// No further calls once the URL is terminal.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, notifier.count("https://down.example/"))
	require.EqualValues(t, 1, h.balance(t))
}

func TestWorkerRedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.seed(t, "c-dup", 2, "https://gone.example/")
	notifier := newCountingNotifier(func(string, int) error {
		return fmt.Errorf("status 410: %w", campaign.ErrPermanent)
	})
	w := h.worker(notifier, Config{})
	job := campaign.Job{CampaignID: c.ID, URLIndex: 0, URL: c.URLs[0], OwnerToken: "owner"}

	w.process(context.Background(), job)
	w.process(context.Background(), job)

	got := h.campaign(t, c.ID)
	require.Equal(t, 1, got.FailedCount)
	require.Equal(t, 1, notifier.count("https://gone.example/"))
	require.EqualValues(t, 2, h.balance(t))
	require.Len(t, h.publisher.Messages(), 1)
}

func TestWorkerShutdownLeavesJobUnacked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.seed(t, "c-stop", 1, "https://slow.example/")
	started := make(chan struct{})
	var once sync.Once
	notifier := notifierFunc(func(ctx context.Context, _ string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return fmt.Errorf("canceled: %w", campaign.ErrTransient)
	})

	cancel := runWorker(t, h.worker(notifier, Config{}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never called the notifier")
	}
	cancel()

	require.Eventually(t, func() bool {
		ok, err := h.queue.Contains(context.Background(), campaign.JobKey(c.ID, 0))
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
	got := h.campaign(t, c.ID)
	require.Equal(t, campaign.URLPending, got.URLStatuses[0])
	require.Zero(t, h.balance(t))
}

func TestWorkerDropsJobForMissingCampaign(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	job := campaign.Job{CampaignID: "ghost", URLIndex: 0, URL: "https://x.example/"}
	require.NoError(t, h.queue.Enqueue(ctx, job, 0))
	notifier := newCountingNotifier(nil)

	runWorker(t, h.worker(notifier, Config{}))

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Zero(t, notifier.count("https://x.example/"))
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, Config{}, nil)
	require.Equal(t, 5, w.cfg.MaxAttempts)
	require.Equal(t, time.Second, w.cfg.BackoffBase)
	require.Equal(t, 30*time.Second, w.cfg.RequestTimeout)
	require.NotNil(t, w.logger)
	require.NotNil(t, w.clock)
}

func TestWorkerQuotaWaitDoesNotConsumeRequestTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "c-quota", 3, "https://a.example/", "https://b.example/", "https://c.example/")
	limiter := &slowLimiter{delay: 60 * time.Millisecond}
	var expired atomic.Int32
	notifier := notifierFunc(func(ctx context.Context, _ string) error {
		if ctx.Err() != nil {
			expired.Add(1)
			return fmt.Errorf("deadline: %w", campaign.ErrTransient)
		}
		return nil
	})

	// A quota wait longer than the call timeout must not eat into it.
	runWorker(t, h.workerWith(notifier, limiter, h.ledger, Config{MaxAttempts: 1, RequestTimeout: 20 * time.Millisecond}))

	require.Eventually(t, func() bool {
		return h.campaign(t, "c-quota").Status == campaign.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, expired.Load())
	require.Equal(t, 3, h.campaign(t, "c-quota").IndexedCount)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Equal(t, 3, limiter.calls)
	require.Zero(t, limiter.sawDeadlines)
}

func TestWorkerQuotaErrorRequeuesWithoutUsingAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "c-quota-err", 1, "https://a.example/")
	limiter := &slowLimiter{}
	limiter.fails.Store(3)
	notifier := newCountingNotifier(nil)

	runWorker(t, h.workerWith(notifier, limiter, h.ledger, Config{MaxAttempts: 1}))

	require.Eventually(t, func() bool {
		return h.campaign(t, "c-quota-err").Status == campaign.StatusComplete
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, notifier.count("https://a.example/"))
	require.Eventually(t, func() bool { return len(h.publisher.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.publisher.Messages()[0].Payload.(campaign.Outcome).Attempts)
}

func TestWorkerRefundFailureLeavesJobForRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.seed(t, "c-refund", 1, "https://gone.example/")
	ledger := &flakyLedger{Ledger: h.ledger}
	ledger.failures.Store(2)
	notifier := newCountingNotifier(func(string, int) error {
		return fmt.Errorf("status 404: %w", campaign.ErrPermanent)
	})
	w := h.workerWith(notifier, nil, ledger, Config{RefundAttempts: 2})
	job := campaign.Job{CampaignID: c.ID, URLIndex: 0, URL: c.URLs[0], OwnerToken: "owner"}
	ctx := context.Background()

	w.process(ctx, job)
	require.Equal(t, campaign.URLFailed, h.campaign(t, c.ID).URLStatuses[0])
	require.Zero(t, h.balance(t))
	queued, err := h.queue.Contains(ctx, job.Key())
	require.NoError(t, err)
	require.True(t, queued, "job must survive a failed refund")

	// Redelivery settles the refund without calling the provider again.
	w.process(ctx, job)
	require.EqualValues(t, 1, h.balance(t))
	queued, err = h.queue.Contains(ctx, job.Key())
	require.NoError(t, err)
	require.False(t, queued)
	require.Equal(t, 1, notifier.count("https://gone.example/"))
	require.Len(t, h.publisher.Messages(), 1)

	w.process(ctx, job)
	require.EqualValues(t, 1, h.balance(t))
	require.EqualValues(t, 4, ledger.calls.Load())
}

func TestWorkerRefundsFailureRecordedBeforeCrash(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.seed(t, "c-crash", 2, "https://gone.example/")
	ctx := context.Background()
	// The previous worker recorded the failure and died before refunding.
	_, applied, err := h.store.Transition(ctx, c.ID, 0, campaign.URLFailed)
	require.NoError(t, err)
	require.True(t, applied)
	require.EqualValues(t, 1, h.balance(t))

	notifier := newCountingNotifier(nil)
	w := h.worker(notifier, Config{})
	job := campaign.Job{CampaignID: c.ID, URLIndex: 0, URL: c.URLs[0], OwnerToken: "owner"}

	w.process(ctx, job)
	w.process(ctx, job)

	require.EqualValues(t, 2, h.balance(t))
	require.Zero(t, notifier.count("https://gone.example/"))
	require.Zero(t, h.queue.Len())
}

func TestWorkerLostTransitionRaceStillRefunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.seed(t, "c-race", 1, "https://gone.example/")
	ctx := context.Background()
	stale := h.campaign(t, c.ID)
	_, applied, err := h.store.Transition(ctx, c.ID, 0, campaign.URLFailed)
	require.NoError(t, err)
	require.True(t, applied)

	store := &raceStore{CampaignStore: h.store, stale: &stale}
	notifier := newCountingNotifier(func(string, int) error {
		return fmt.Errorf("status 410: %w", campaign.ErrPermanent)
	})
	w := New(h.queue, store, h.ledger, notifier, nil, h.publisher, campaign.SystemClock{},
		Config{RefundBackoff: time.Millisecond}, zap.NewNop())
	job := campaign.Job{CampaignID: c.ID, URLIndex: 0, URL: c.URLs[0], OwnerToken: "owner"}

	w.process(ctx, job)

	require.EqualValues(t, 1, h.balance(t))
	require.Equal(t, 1, notifier.count("https://gone.example/"))
	require.Zero(t, h.queue.Len())
	require.Empty(t, h.publisher.Messages())
}
