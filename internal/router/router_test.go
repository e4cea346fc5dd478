package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"bid_engine/internal/auction"
	"bid_engine/internal/config"
	bidlogger "bid_engine/internal/logger"
	"bid_engine/internal/model"
	"bid_engine/internal/projector"
	"bid_engine/internal/queue"
	auctionredis "bid_engine/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testStream = "test:auction_events"

type testEnv struct {
	engine *gin.Engine
	rdb    *rd.Client
	proj   *projector.Projector
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return setupTestEnvWithStore(t, func(s *auctionredis.AuctionStore) auction.Store { return s })
}

// setupTestEnvWithStore 允许测试替换引擎下面的存储（注入故障）。
func setupTestEnvWithStore(t *testing.T, wrap func(*auctionredis.AuctionStore) auction.Store) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, projector.Migrate(db))

	proj := projector.New(db)
	svc := auction.NewService(wrap(auctionredis.NewAuctionStore(rdb, testStream)))
	cfg := config.AppConfig{BidRateLimit: 1000, BidRateWindow: time.Second}

	r := gin.New()
	Setup(r, svc, proj, rdb, cfg)
	return &testEnv{engine: r, rdb: rdb, proj: proj}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var out envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (e *testEnv) createOpenAuction(t *testing.T, start, end time.Time) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/api/auctions", gin.H{
		"seller_id":      "s1",
		"title":          "Vintage camera",
		"starting_price": 100,
		"start_time":     start.Format(time.RFC3339),
		"end_time":       end.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, code, out.Msg)
	var a struct {
		ID     string `json:"auction_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &a))
	require.Equal(t, "OPEN", a.Status)
	require.NotEmpty(t, a.ID)
	return a.ID
}

func TestPing(t *testing.T) {
	env := setupTestEnv(t)
	code, out := env.do(t, http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pong", out.Msg)
}

func TestCreateAuction_Validation(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing seller", gin.H{"title": "x", "starting_price": 1, "start_time": now.Format(time.RFC3339), "end_time": now.Add(time.Hour).Format(time.RFC3339)}},
		{"missing starting price", gin.H{"seller_id": "s1", "title": "x", "start_time": now.Format(time.RFC3339), "end_time": now.Add(time.Hour).Format(time.RFC3339)}},
		{"negative starting price", gin.H{"seller_id": "s1", "title": "x", "starting_price": -1, "start_time": now.Format(time.RFC3339), "end_time": now.Add(time.Hour).Format(time.RFC3339)}},
		{"bad time format", gin.H{"seller_id": "s1", "title": "x", "starting_price": 1, "start_time": "yesterday", "end_time": now.Add(time.Hour).Format(time.RFC3339)}},
		{"starting price above max", gin.H{"seller_id": "s1", "title": "x", "starting_price": model.MaxAmount + 1, "start_time": now.Format(time.RFC3339), "end_time": now.Add(time.Hour).Format(time.RFC3339)}},
		{"reserve price above max", gin.H{"seller_id": "s1", "title": "x", "starting_price": 1, "reserve_price": model.MaxAmount + 1, "start_time": now.Format(time.RFC3339), "end_time": now.Add(time.Hour).Format(time.RFC3339)}},
		{"end before start", gin.H{"seller_id": "s1", "title": "x", "starting_price": 1, "start_time": now.Format(time.RFC3339), "end_time": now.Add(-time.Hour).Format(time.RFC3339)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := env.do(t, http.MethodPost, "/api/auctions", tc.body)
			require.Equal(t, http.StatusBadRequest, code)
			require.Equal(t, 400, out.Code)
		})
	}
}

func TestCreateAuction_AcceptsEpochMillis(t *testing.T) {
	env := setupTestEnv(t)
	start := time.Now().Add(-time.Minute).UnixMilli()
	code, out := env.do(t, http.MethodPost, "/api/auctions", gin.H{
		"seller_id":      "s1",
		"title":          "Lamp",
		"starting_price": 0,
		"reserve_price":  500,
		"start_time":     strconv.FormatInt(start, 10),
		"end_time":       strconv.FormatInt(start+3_600_000, 10),
	})
	require.Equal(t, http.StatusCreated, code, out.Msg)
}

func TestBidFlow(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()
	id := env.createOpenAuction(t, now.Add(-time.Minute), now.Add(time.Hour))

	code, out := env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u1", "amount": 50})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "BELOW_START", out.Msg)

	code, out = env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u1", "amount": 150})
	require.Equal(t, http.StatusOK, code, out.Msg)
	var bid auction.PlaceBidResult
	require.NoError(t, json.Unmarshal(out.Data, &bid))
	require.Equal(t, "OK", string(bid.Outcome))
	require.Equal(t, int64(150), *bid.HighestBid)
	require.Equal(t, "u1", *bid.HighestBidderID)

	code, out = env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u2", "amount": 150})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "BELOW_HIGHEST", out.Msg)

	code, _ = env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u2", "amount": 200})
	require.Equal(t, http.StatusOK, code)

	code, out = env.do(t, http.MethodGet, "/api/auctions/"+id+"/bids?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var bids []struct {
		BidderID string `json:"bidder_id"`
		Amount   int64  `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &bids))
	require.Len(t, bids, 2)
	require.Equal(t, int64(200), bids[0].Amount)
	require.Equal(t, "u2", bids[0].BidderID)

	code, out = env.do(t, http.MethodPost, "/api/auctions/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, code, out.Msg)
	var closed auction.CloseResult
	require.NoError(t, json.Unmarshal(out.Data, &closed))
	require.Equal(t, "CLOSED", string(closed.Status))
	require.Equal(t, "u2", *closed.WinnerID)
	require.Equal(t, int64(200), *closed.WinningBid)

	// 关闭后从调度索引移除
	due, err := env.rdb.ZScore(context.Background(), auctionredis.ScheduleKey(), id).Result()
	require.ErrorIs(t, err, rd.Nil, "score=%v", due)

	code, out = env.do(t, http.MethodPost, "/api/auctions/"+id+"/close", nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NOT_OPEN", out.Msg)

	code, out = env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u3", "amount": 999})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NOT_OPEN", out.Msg)

	code, out = env.do(t, http.MethodGet, "/api/auctions/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	var view struct {
		Status     string `json:"status"`
		HighestBid *int64 `json:"highest_bid"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &view))
	require.Equal(t, "CLOSED", view.Status)
	require.Equal(t, int64(200), *view.HighestBid)
}

func TestNotStartedAuction(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()
	id := env.createOpenAuction(t, now.Add(time.Hour), now.Add(2*time.Hour))

	code, out := env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u1", "amount": 150})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "NOT_STARTED", out.Msg)
}

func TestUnknownAuction(t *testing.T) {
	env := setupTestEnv(t)

	code, _ := env.do(t, http.MethodGet, "/api/auctions/ghost", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, out := env.do(t, http.MethodPost, "/api/auctions/ghost/bids", gin.H{"bidder_id": "u1", "amount": 10})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", out.Msg)

	code, _ = env.do(t, http.MethodGet, "/api/auctions/ghost/bids", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, out = env.do(t, http.MethodPost, "/api/auctions/ghost/close", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", out.Msg)

	code, _ = env.do(t, http.MethodGet, "/api/auctions/ghost/history", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestBidValidation(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()
	id := env.createOpenAuction(t, now.Add(-time.Minute), now.Add(time.Hour))

	code, _ := env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u1", "amount": 0})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"amount": 150})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u1", "amount": model.MaxAmount + 1})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/api/auctions/"+id+"/bids?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestHistoryFollowsProjection(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now()
	id := env.createOpenAuction(t, now.Add(-time.Minute), now.Add(time.Hour))
	code, _ := env.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", gin.H{"bidder_id": "u1", "amount": 150})
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/api/auctions/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	relay := queue.NewRelay(env.rdb, queue.SinkFunc(env.proj.Apply), testStream, "test-relay", "relay-1")
	go relay.Run(ctx)

	require.Eventually(t, func() bool {
		rec, found, err := env.proj.FindAuction(context.Background(), id)
		return err == nil && found && rec.Status == "CLOSED"
	}, 5*time.Second, 20*time.Millisecond)

	code, out := env.do(t, http.MethodGet, "/api/auctions/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	var hist struct {
		Auction struct {
			Status          string  `json:"status"`
			HighestBid      *int64  `json:"highest_bid"`
			HighestBidderID *string `json:"highest_bidder_id"`
		} `json:"auction"`
		Bids []struct {
			BidderID string `json:"bidder_id"`
			Amount   int64  `json:"amount"`
		} `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &hist))
	require.Equal(t, "CLOSED", hist.Auction.Status)
	require.Equal(t, int64(150), *hist.Auction.HighestBid)
	require.Equal(t, "u1", *hist.Auction.HighestBidderID)
	require.Len(t, hist.Bids, 1)
	require.Equal(t, "u1", hist.Bids[0].BidderID)
}

type unscheduleFailStore struct {
	*auctionredis.AuctionStore
}

func (unscheduleFailStore) Unschedule(context.Context, string) error {
	return errors.New("redis: connection reset")
}

func TestCloseAuction_LogsUnscheduleFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bidlogger.Set(zap.New(core))
	t.Cleanup(func() { bidlogger.Set(zap.NewNop()) })

	env := setupTestEnvWithStore(t, func(s *auctionredis.AuctionStore) auction.Store {
		return unscheduleFailStore{AuctionStore: s}
	})
	now := time.Now()
	id := env.createOpenAuction(t, now.Add(-time.Minute), now.Add(time.Hour))

	// 调度项清理失败不影响关闭结果
	code, out := env.do(t, http.MethodPost, "/api/auctions/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, code, out.Msg)

	entries := logs.FilterMessage("unschedule after manual close failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ContextMap()["auction_id"])
}

