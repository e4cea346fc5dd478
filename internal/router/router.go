package router

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bid_engine/internal/auction"
	"bid_engine/internal/config"
	"bid_engine/internal/logger"
	"bid_engine/internal/middleware"
	"bid_engine/internal/model"
	"bid_engine/internal/projector"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultBidsLimit = 50
	maxBidsLimit     = 500
)

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, svc *auction.Service, proj *projector.Projector, rdb *rd.Client, cfg config.AppConfig) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api/auctions")
	api.POST("", createAuction(svc))
	api.GET("/:auction_id", getAuction(svc))
	api.POST("/:auction_id/bids", middleware.BidRateLimit(rdb, cfg.BidRateLimit, cfg.BidRateWindow), placeBid(svc))
	api.GET("/:auction_id/bids", listBids(svc))
	api.POST("/:auction_id/close", closeAuction(svc))
	// 持久化投影，最终一致，可能落后于实时视图
	api.GET("/:auction_id/history", getHistory(proj))
}

// createAuction 创建拍卖（含时间窗校验）。
func createAuction(svc *auction.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			SellerID      string `json:"seller_id" binding:"required"`
			Title         string `json:"title" binding:"required"`
			Description   string `json:"description"`
			StartingPrice *int64 `json:"starting_price" binding:"required,min=0,max=9007199254740991"`
			ReservePrice  *int64 `json:"reserve_price" binding:"omitempty,min=0,max=9007199254740991"`
			StartTime     string `json:"start_time" binding:"required"`
			EndTime       string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		start, err := parseTime(req.StartTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "start_time 格式错误，请用 RFC3339 或毫秒时间戳"})
			return
		}
		end, err := parseTime(req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339 或毫秒时间戳"})
			return
		}

		a, err := svc.CreateAuction(c.Request.Context(), auction.CreateAuctionInput{
			SellerID:      req.SellerID,
			Title:         req.Title,
			Description:   req.Description,
			StartingPrice: *req.StartingPrice,
			ReservePrice:  req.ReservePrice,
			StartTime:     start,
			EndTime:       end,
		}, time.Now())
		if err != nil {
			if errors.Is(err, auction.ErrInvalidTimeRange) {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 start_time"})
				return
			}
			if errors.Is(err, auction.ErrAmountOutOfRange) {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "价格超出范围"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"code": 0, "data": a})
	}
}

// getAuction 查询 Redis 中的实时视图。
func getAuction(svc *auction.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, found, err := svc.GetAuction(c.Request.Context(), c.Param("auction_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "拍卖不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": a})
	}
}

// placeBid 出价入口。业务拒绝返回 404/409 并带上 outcome，5xx 表示是否生效未知。
func placeBid(svc *auction.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			BidderID string `json:"bidder_id" binding:"required"`
			Amount   int64  `json:"amount" binding:"required,min=1,max=9007199254740991"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		res, err := svc.PlaceBid(c.Request.Context(), c.Param("auction_id"), req.BidderID, req.Amount, time.Now())
		if errors.Is(err, auction.ErrAmountOutOfRange) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "出价金额超出范围"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		status := outcomeStatus(res.Outcome)
		if status != http.StatusOK {
			c.JSON(status, gin.H{"code": status, "msg": string(res.Outcome), "data": res})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
	}
}

// listBids 金额降序的实时出价榜。
func listBids(svc *auction.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "limit 无效"})
			return
		}
		ctx := c.Request.Context()
		auctionID := c.Param("auction_id")

		_, found, err := svc.GetAuction(ctx, auctionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "拍卖不存在"})
			return
		}
		bids, err := svc.ListTopBids(ctx, auctionID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": bids})
	}
}

// closeAuction 手动提前关闭。成功或已关闭时顺带清理调度项。
func closeAuction(svc *auction.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		auctionID := c.Param("auction_id")

		res, err := svc.CloseAuction(ctx, auctionID, time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if res.Outcome == model.OutcomeOK || res.Outcome == model.OutcomeNotOpen {
			// 清理失败不影响结果，调度器到期后会再次尝试并跳过
			if err := svc.Unschedule(ctx, auctionID); err != nil {
				logger.Warn("unschedule after manual close failed", zap.String("auction_id", auctionID), zap.Error(err))
			}
		}
		status := outcomeStatus(res.Outcome)
		if status != http.StatusOK {
			c.JSON(status, gin.H{"code": status, "msg": string(res.Outcome), "data": res})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
	}
}

// getHistory 查询持久化投影中的拍卖与出价历史。
func getHistory(proj *projector.Projector) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "limit 无效"})
			return
		}
		ctx := c.Request.Context()
		auctionID := c.Param("auction_id")

		rec, found, err := proj.FindAuction(ctx, auctionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "投影中暂无该拍卖"})
			return
		}
		bids, err := proj.ListBids(ctx, auctionID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"auction": rec, "bids": bids}})
	}
}

// outcomeStatus 把引擎 outcome 映射为 HTTP 状态码。
func outcomeStatus(o model.Outcome) int {
	switch o {
	case model.OutcomeOK:
		return http.StatusOK
	case model.OutcomeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// parseTime 接受 RFC3339 或毫秒时间戳。
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultBidsLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	if n > maxBidsLimit {
		n = maxBidsLimit
	}
	return n, nil
}
