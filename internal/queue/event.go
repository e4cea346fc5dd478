package queue

import (
	"fmt"
	"strconv"
)

// EventType 拍卖状态迁移事件类型。
type EventType string

const (
	EventAuctionCreated EventType = "AUCTION_CREATED"
	EventBidPlaced      EventType = "BID_PLACED"
	EventAuctionClosed  EventType = "AUCTION_CLOSED"
)

// AuctionEvent 是写入 Kafka 的拍卖事件，时间字段为毫秒时间戳。
// 按事件类型填充字段，未填充的字段编码为 null 而不是省略，消费端统一解码。
type AuctionEvent struct {
	EventID    string    `json:"eventId"`
	EventType  EventType `json:"eventType"`
	AuctionID  string    `json:"auctionId"`
	OccurredAt int64     `json:"occurredAt"`

	SellerID      *string `json:"sellerId"`
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	StartingPrice *int64  `json:"startingPrice"`
	ReservePrice  *int64  `json:"reservePrice"`
	StartTime     *int64  `json:"startTime"`
	EndTime       *int64  `json:"endTime"`

	BidID    *string `json:"bidId"`
	BidderID *string `json:"bidderId"`
	Amount   *int64  `json:"amount"`
	Status   *string `json:"status"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e AuctionEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("eventId is required")
	}
	if e.AuctionID == "" {
		return fmt.Errorf("auctionId is required")
	}
	if e.OccurredAt <= 0 {
		return fmt.Errorf("occurredAt is required")
	}
	switch e.EventType {
	case EventAuctionCreated:
		if e.SellerID == nil || e.Title == nil || e.StartingPrice == nil || e.StartTime == nil || e.EndTime == nil {
			return fmt.Errorf("%s requires sellerId, title, startingPrice, startTime and endTime", e.EventType)
		}
	case EventBidPlaced:
		if e.BidID == nil || e.BidderID == nil || e.Amount == nil {
			return fmt.Errorf("%s requires bidId, bidderId and amount", e.EventType)
		}
		if *e.Amount <= 0 {
			return fmt.Errorf("amount must be > 0")
		}
	case EventAuctionClosed:
		if e.Status == nil {
			return fmt.Errorf("%s requires status", e.EventType)
		}
	default:
		return fmt.Errorf("unknown eventType %q", e.EventType)
	}
	return nil
}

// parseAuctionEvent 把 outbox stream 条目还原成事件；stream 中缺失的字段即为 null。
func parseAuctionEvent(values map[string]interface{}) (AuctionEvent, error) {
	var ev AuctionEvent
	var err error

	if ev.EventID, err = getStreamString(values, "event_id"); err != nil {
		return AuctionEvent{}, err
	}
	eventType, err := getStreamString(values, "event_type")
	if err != nil {
		return AuctionEvent{}, err
	}
	ev.EventType = EventType(eventType)
	if ev.AuctionID, err = getStreamString(values, "auction_id"); err != nil {
		return AuctionEvent{}, err
	}
	occurred, err := getStreamString(values, "occurred_at")
	if err != nil {
		return AuctionEvent{}, err
	}
	if ev.OccurredAt, err = strconv.ParseInt(occurred, 10, 64); err != nil {
		return AuctionEvent{}, fmt.Errorf("invalid occurred_at %q", occurred)
	}

	if ev.SellerID, err = optionalString(values, "seller_id"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.Title, err = optionalString(values, "title"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.Description, err = optionalString(values, "description"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.StartingPrice, err = optionalInt(values, "starting_price"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.ReservePrice, err = optionalInt(values, "reserve_price"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.StartTime, err = optionalInt(values, "start_time"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.EndTime, err = optionalInt(values, "end_time"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.BidID, err = optionalString(values, "bid_id"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.BidderID, err = optionalString(values, "bidder_id"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.Amount, err = optionalInt(values, "amount"); err != nil {
		return AuctionEvent{}, err
	}
	if ev.Status, err = optionalString(values, "status"); err != nil {
		return AuctionEvent{}, err
	}

	if err := ev.Validate(); err != nil {
		return AuctionEvent{}, err
	}
	return ev, nil
}

func optionalString(values map[string]interface{}, key string) (*string, error) {
	if _, ok := values[key]; !ok {
		return nil, nil
	}
	s, err := getStreamString(values, key)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func optionalInt(values map[string]interface{}, key string) (*int64, error) {
	s, err := optionalString(values, key)
	if err != nil || s == nil {
		return nil, err
	}
	n, err := strconv.ParseInt(*s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, *s)
	}
	return &n, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
