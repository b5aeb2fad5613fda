package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
	queuemem "github.com/JakeFAU/campaign-indexer/internal/queue/memory"
	storemem "github.com/JakeFAU/campaign-indexer/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var now = time.Unix(1_700_000_000, 0).UTC()

func createCampaign(t *testing.T, store *storemem.CampaignStore, id string, created time.Time, n int) {
	t.Helper()
	urls := make([]string, n)
	for i := range urls {
		urls[i] = "https://example.com/" + id + "/" + string(rune('a'+i))
	}
	require.NoError(t, store.Create(context.Background(), campaign.Campaign{
		ID: id, OwnerToken: "owner", Name: id, URLs: urls, CreatedAt: created,
	}))
}

func newSweeper(t *testing.T) (*Sweeper, *storemem.CampaignStore, *queuemem.Queue) {
	t.Helper()
	metrics.Init()
	store := storemem.NewCampaignStore()
	q := queuemem.NewQueue(time.Minute)
	t.Cleanup(q.Close)
	s := New(store, q, fixedClock{now: now}, Config{StaleAfter: 10 * time.Minute, Interval: 5 * time.Millisecond}, zap.NewNop())
	return s, store, q
}

func TestSweepRequeuesOnlyOrphans(t *testing.T) {
	t.Parallel()

	s, store, q := newSweeper(t)
	ctx := context.Background()
	createCampaign(t, store, "stale", now.Add(-time.Hour), 3)

	_, _, err := store.Transition(ctx, "stale", 0, campaign.URLSubmitted)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, campaign.Job{CampaignID: "stale", URLIndex: 1, Attempt: 2}, time.Minute))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := q.Contains(ctx, campaign.JobKey("stale", 2))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Contains(ctx, campaign.JobKey("stale", 0))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, q.Len())

	// A second pass finds nothing new.
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepSkipsFreshAndFinishedCampaigns(t *testing.T) {
	t.Parallel()

	s, store, q := newSweeper(t)
	ctx := context.Background()
	createCampaign(t, store, "fresh", now.Add(-time.Minute), 2)
	createCampaign(t, store, "done", now.Add(-time.Hour), 1)
	_, _, err := store.Transition(ctx, "done", 0, campaign.URLFailed)
	require.NoError(t, err)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, q.Len())
}

func TestSweepPagesPastBusyCampaigns(t *testing.T) {
	t.Parallel()

	metrics.Init()
	store := storemem.NewCampaignStore()
	q := queuemem.NewQueue(time.Minute)
	t.Cleanup(q.Close)
	s := New(store, q, fixedClock{now: now}, Config{StaleAfter: 10 * time.Minute, BatchSize: 2}, zap.NewNop())
	ctx := context.Background()

	// Long-running campaigns whose jobs are all still queued fill the first pages.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("busy-%d", i)
		createCampaign(t, store, id, now.Add(-2*time.Hour), 1)
		require.NoError(t, q.Enqueue(ctx, campaign.Job{CampaignID: id, URLIndex: 0}, time.Minute))
	}
	createCampaign(t, store, "orphan", now.Add(-time.Hour), 1)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := q.Contains(ctx, campaign.JobKey("orphan", 0))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRecoveredJobStartsAtAttemptZero(t *testing.T) {
	t.Parallel()

	s, store, q := newSweeper(t)
	createCampaign(t, store, "stale", now.Add(-time.Hour), 1)

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Zero(t, job.Attempt)
	require.Equal(t, "owner", job.OwnerToken)
	require.Equal(t, "https://example.com/stale/a", job.URL)
}

func TestRunSweepsPeriodically(t *testing.T) {
	t.Parallel()

	s, store, q := newSweeper(t)
	createCampaign(t, store, "stale", now.Add(-time.Hour), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
