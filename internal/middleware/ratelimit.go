package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"bid_engine/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// luaBidWindow：毫秒级滑动窗口，同一出价人在同一拍卖上的出价计数（原子操作）
// KEYS[1]=窗口 zset，ARGV[1]=now_ms，ARGV[2]=window_ms，ARGV[3]=limit，ARGV[4]=本次请求 member
// 返回 { 1, 0 } 放行；{ 0, retry_after_ms } 拒绝，retry_after_ms 为最早一条滑出窗口的剩余时间
const luaBidWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return { 0, retry }
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return { 1, 0 }
`

// BidRateLimit 出价限流：按 (auction_id, bidder_id) 计数，一个出价人刷某场拍卖不会影响他在其它拍卖的出价。
// body 里解析不出 bidder_id 时按 (auction_id, IP) 计数。Redis 不可用时放行。
func BidRateLimit(rdb *rd.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bidWindowKey(c)
		now := time.Now().UnixMilli()

		res, err := rdb.Eval(c.Request.Context(), luaBidWindow, []string{key},
			now, window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
		if err != nil || len(res) < 2 {
			logger.Warn("bid rate limit unavailable, allowing request", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res[0] == 0 {
			retryAfter := (res[1] + 999) / 1000
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "出价过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}

func bidWindowKey(c *gin.Context) string {
	auctionID := c.Param("auction_id")
	if bidderID := extractBidderID(c); bidderID != "" {
		return fmt.Sprintf("bid_engine:bid_rate:%s:bidder:%s", auctionID, bidderID)
	}
	return fmt.Sprintf("bid_engine:bid_rate:%s:ip:%s", auctionID, c.ClientIP())
}

// extractBidderID 从请求 body 中解析 bidder_id，读完后把 body 放回去供 handler 绑定。
func extractBidderID(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var req struct {
		BidderID string `json:"bidder_id"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return ""
	}
	return req.BidderID
}
