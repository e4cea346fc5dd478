package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"bid_engine/internal/model"
	auctionredis "bid_engine/pkg/redis"

	"github.com/stretchr/testify/require"
)

func TestAutoCloser_ClosesExpiredWithoutBids(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	a, err := svc.CreateAuction(ctx, CreateAuctionInput{
		SellerID: "s", Title: "t", StartingPrice: 10,
		StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Millisecond),
	}, now.Add(-time.Hour))
	require.NoError(t, err)

	res := NewAutoCloser(svc, time.Second, 100).Tick(ctx, now)
	require.Equal(t, TickResult{Due: 1, Closed: 1}, res)

	got, _, err := svc.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusClosedNoSale, got.Status)
	require.Nil(t, got.HighestBid)
	require.Nil(t, got.HighestBidderID)

	due, err := store.DueAuctions(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestAutoCloser_LeavesOpenAuctionsAlone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	a := createOpenAuction(t, svc, 10, now)

	res := NewAutoCloser(svc, time.Second, 100).Tick(ctx, now)
	require.Equal(t, TickResult{}, res)

	got, _, err := svc.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusOpen, got.Status)
}

func TestAutoCloser_BatchLimitIsBackpressure(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		_, err := svc.CreateAuction(ctx, CreateAuctionInput{
			SellerID: "s", Title: "t", StartingPrice: 1,
			StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Duration(i+1) * time.Minute),
		}, now.Add(-time.Hour))
		require.NoError(t, err)
	}

	closer := NewAutoCloser(svc, time.Second, 2)
	require.Equal(t, 2, closer.Tick(ctx, now).Closed)
	due, err := store.DueAuctions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)

	require.Equal(t, 2, closer.Tick(ctx, now).Closed)
	require.Equal(t, 1, closer.Tick(ctx, now).Closed)
	require.Equal(t, TickResult{}, closer.Tick(ctx, now))
}

func TestAutoCloser_DropsAlreadyClosed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	a := createOpenAuction(t, svc, 10, now)

	// 手动关闭但未删除调度项
	_, err := svc.CloseAuction(ctx, a.ID, now)
	require.NoError(t, err)

	res := NewAutoCloser(svc, time.Second, 100).Tick(ctx, now.Add(time.Hour))
	require.Equal(t, TickResult{Due: 1, Skipped: 1}, res)

	due, err := store.DueAuctions(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

type flakyCloseStore struct {
	*auctionredis.AuctionStore
	failID string
}

func (f flakyCloseStore) CloseAuction(ctx context.Context, auctionID string, now time.Time, eventID string) (auctionredis.CloseReply, error) {
	if auctionID == f.failID {
		return auctionredis.CloseReply{}, errors.New("i/o timeout")
	}
	return f.AuctionStore.CloseAuction(ctx, auctionID, now, eventID)
}

func TestAutoCloser_FailureDoesNotStopBatch(t *testing.T) {
	base, store := newTestService(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	var ids []string
	for i := 0; i < 3; i++ {
		a, err := base.CreateAuction(ctx, CreateAuctionInput{
			SellerID: "s", Title: "t", StartingPrice: 1,
			StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Duration(3-i) * time.Minute),
		}, now.Add(-time.Hour))
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	svc := NewService(flakyCloseStore{AuctionStore: store, failID: ids[0]})
	res := NewAutoCloser(svc, time.Second, 100).Tick(ctx, now)
	require.Equal(t, TickResult{Due: 3, Closed: 2, Failed: 1}, res)

	// 失败的拍卖保留调度项，下一轮重试
	due, err := store.DueAuctions(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{ids[0]}, due)
}

func TestAutoCloser_RunStopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	a, err := svc.CreateAuction(ctx, CreateAuctionInput{
		SellerID: "s", Title: "t", StartingPrice: 1,
		StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Second),
	}, now)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		NewAutoCloser(svc, 10*time.Millisecond, 100).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, _, err := svc.GetAuction(context.Background(), a.ID)
		return err == nil && got.Status == model.StatusClosedNoSale
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("auto closer did not stop")
	}
}
