package insights

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsync/internal/clock"
	"spendsync/internal/model"
	"spendsync/internal/storage"
)

var epoch = time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)

func newServiceForTest(t *testing.T) (*Service, storage.Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(epoch)
	store := storage.NewMemory(storage.WithClock(clk), storage.WithMaxAttempts(100))
	return NewService(store, nil), store, clk
}

func TestGetOrCreateProfileWritesDefaultOnce(t *testing.T) {
	ctx := context.Background()
	svc, store, clk := newServiceForTest(t)

	p, err := svc.GetOrCreateProfile(ctx, "u1", "app")
	require.NoError(t, err)
	assert.Equal(t, model.InsightProfileSchemaVersion, p.SchemaVersion)
	assert.Empty(t, p.RecentInsights)
	assert.True(t, p.FirstTransactionDate.IsNull())
	assert.Equal(t, epoch, p.CreatedAt.Get())

	clk.Advance(time.Hour)
	again, err := svc.GetOrCreateProfile(ctx, "u1", "app")
	require.NoError(t, err)
	assert.Equal(t, epoch, again.CreatedAt.Get(), "second call must not rewrite the document")

	found, err := store.Get(ctx, "apps/app/users/u1/insight_profile/current", nil)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRecordInsightShownTrimsOldest(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newServiceForTest(t)

	var p model.InsightProfile
	var err error
	for i := 0; i < MaxRecentInsights+5; i++ {
		clk.Advance(time.Second)
		p, err = svc.RecordInsightShown(ctx, "u1", "app", InsightShown{InsightID: fmt.Sprintf("i%d", i)})
		require.NoError(t, err)
	}
	require.Len(t, p.RecentInsights, MaxRecentInsights)
	assert.Equal(t, "i5", p.RecentInsights[0].InsightID)
	assert.Equal(t, fmt.Sprintf("i%d", MaxRecentInsights+4), p.RecentInsights[MaxRecentInsights-1].InsightID)
}

func TestRecordInsightShownKeepsContentSnapshot(t *testing.T) {
	svc, _, _ := newServiceForTest(t)
	content := &model.InsightContent{Title: "Coffee", Message: "You spent more on coffee", Priority: 2}
	p, err := svc.RecordInsightShown(context.Background(), "u1", "app", InsightShown{
		InsightID:     "coffee_up",
		TransactionID: "tx-1",
		Content:       content,
	})
	require.NoError(t, err)
	require.Len(t, p.RecentInsights, 1)
	rec := p.RecentInsights[0]
	assert.Equal(t, "tx-1", rec.TransactionID)
	assert.Equal(t, epoch, rec.ShownAt.Get())
	assert.Equal(t, content, rec.Content)
}

func TestConcurrentShownRecordsAreNotLost(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newServiceForTest(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordInsightShown(ctx, "u1", "app", InsightShown{InsightID: fmt.Sprintf("i%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	p, err := svc.GetOrCreateProfile(ctx, "u1", "app")
	require.NoError(t, err)
	assert.Len(t, p.RecentInsights, 10)
}

func TestRecordInsightResponse(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newServiceForTest(t)
	_, err := svc.RecordInsightShown(ctx, "u1", "app", InsightShown{InsightID: "a"})
	require.NoError(t, err)
	_, err = svc.RecordInsightShown(ctx, "u1", "app", InsightShown{InsightID: "a"})
	require.NoError(t, err)

	p, err := svc.RecordInsightResponse(ctx, "u1", "app", "a", model.InsightResponseHelpful)
	require.NoError(t, err)
	assert.Empty(t, p.RecentInsights[0].Response)
	assert.Equal(t, model.InsightResponseHelpful, p.RecentInsights[1].Response)

	_, err = svc.RecordInsightResponse(ctx, "u1", "app", "missing", model.InsightResponseDismissed)
	assert.Equal(t, model.ENOTFOUND, model.ErrorCode(err))

	_, err = svc.RecordInsightResponse(ctx, "u1", "app", "a", "meh")
	assert.Equal(t, model.EINVALID, model.ErrorCode(err))
}

func TestDeleteInsights(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newServiceForTest(t)
	for _, id := range []string{"a", "b", "a", "c"} {
		_, err := svc.RecordInsightShown(ctx, "u1", "app", InsightShown{InsightID: id})
		require.NoError(t, err)
	}

	p, err := svc.DeleteInsight(ctx, "u1", "app", "a")
	require.NoError(t, err)
	require.Len(t, p.RecentInsights, 2)
	assert.Equal(t, "b", p.RecentInsights[0].InsightID)

	p, err = svc.DeleteInsights(ctx, "u1", "app", []string{"b", "c", "zzz"})
	require.NoError(t, err)
	assert.Empty(t, p.RecentInsights)

	_, err = svc.DeleteInsights(ctx, "u1", "app", nil)
	assert.Equal(t, model.EINVALID, model.ErrorCode(err))
}

func TestTrackTransactionKeepsEarliestDate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newServiceForTest(t)
	feb := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	jan := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	p, err := svc.TrackTransaction(ctx, "u1", "app", feb)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.TotalTransactions)
	assert.Equal(t, feb, p.FirstTransactionDate.Get())

	p, err = svc.TrackTransaction(ctx, "u1", "app", jan)
	require.NoError(t, err)
	assert.Equal(t, jan, p.FirstTransactionDate.Get())

	p, err = svc.TrackTransaction(ctx, "u1", "app", feb.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.TotalTransactions)
	assert.Equal(t, jan, p.FirstTransactionDate.Get())
}

func TestTrackTransactionReplacesCorruptDate(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newServiceForTest(t)
	require.NoError(t, store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Set("apps/app/users/u1/insight_profile/current", map[string]any{
			"totalTransactions":    4,
			"firstTransactionDate": "not a date",
		})
	}))

	date := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p, err := svc.TrackTransaction(ctx, "u1", "app", date)
	require.NoError(t, err)
	assert.EqualValues(t, 5, p.TotalTransactions)
	assert.Equal(t, date, p.FirstTransactionDate.Get())
	assert.Equal(t, model.InsightProfileSchemaVersion, p.SchemaVersion)
}

func TestResetProfileKeepsCreationTime(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newServiceForTest(t)
	_, err := svc.TrackTransaction(ctx, "u1", "app", epoch)
	require.NoError(t, err)
	_, err = svc.RecordInsightShown(ctx, "u1", "app", InsightShown{InsightID: "a"})
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	p, err := svc.ResetProfile(ctx, "u1", "app")
	require.NoError(t, err)
	assert.Zero(t, p.TotalTransactions)
	assert.Empty(t, p.RecentInsights)
	assert.True(t, p.FirstTransactionDate.IsNull())
	assert.Equal(t, epoch, p.CreatedAt.Get())
	assert.Equal(t, epoch.Add(24*time.Hour), p.UpdatedAt.Get())
}

func TestRejectsMissingIdentity(t *testing.T) {
	svc, _, _ := newServiceForTest(t)
	_, err := svc.GetOrCreateProfile(context.Background(), "", "app")
	assert.Equal(t, model.EINVALID, model.ErrorCode(err))
	_, err = svc.TrackTransaction(context.Background(), "a/b", "app", epoch)
	assert.Equal(t, model.EINVALID, model.ErrorCode(err))
}
