package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status  int
	Outcome string
	Amount  int64
	Err     error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	auctionID := flag.String("auction", "", "existing auction id; empty creates a new one")
	startingPrice := flag.Int64("start-price", 100, "starting price of the created auction")
	duration := flag.Duration("duration", 10*time.Minute, "lifetime of the created auction")

	// 并发出价测试：N 个出价人各出一个不同金额，最终最高价必须等于最大金额
	nBidders := flag.Int("bidders", 200, "distinct bidders")
	concurrency := flag.Int("c", 50, "max concurrency")
	closeAfter := flag.Bool("close", true, "close the auction after the test")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	id := *auctionID
	if id == "" {
		var err error
		id, err = createAuction(client, *baseURL, *startingPrice, *duration)
		if err != nil {
			fmt.Println("create auction failed:", err)
			os.Exit(1)
		}
		fmt.Println("created auction:", id)
	}

	fmt.Printf("start concurrent bid test: auction=%s bidders=%d concurrency=%d\n", id, *nBidders, *concurrency)
	begin := time.Now()
	results := runBids(client, *baseURL, id, *startingPrice, *nBidders, *concurrency)
	elapsed := time.Since(begin)
	printSummary("bids", results, elapsed)

	// 校验：实时视图的最高价 = 被接受出价里的最大金额
	var maxAccepted int64
	for _, r := range results {
		if r.Outcome == "OK" && r.Amount > maxAccepted {
			maxAccepted = r.Amount
		}
	}
	highest, err := getHighest(client, *baseURL, id)
	if err != nil {
		fmt.Println("highest check err:", err)
		os.Exit(1)
	}
	maxSubmitted := *startingPrice + int64(*nBidders-1)
	fmt.Printf("final highest bid: %d, max accepted: %d, max submitted: %d\n", highest, maxAccepted, maxSubmitted)
	if highest != maxAccepted {
		fmt.Println("FAIL: highest bid does not match max accepted amount")
		os.Exit(1)
	}
	if maxAccepted != maxSubmitted {
		// 最大金额被限流或请求出错时才会出现
		fmt.Println("WARN: max submitted amount was not accepted")
	}

	if *closeAfter {
		body, err := doPOST(client, fmt.Sprintf("%s/api/auctions/%s/close", *baseURL, id), nil)
		if err != nil {
			fmt.Println("close failed:", err)
			os.Exit(1)
		}
		fmt.Println("closed:", string(body))
	}
}

func runBids(client *http.Client, baseURL, auctionID string, startingPrice int64, nBidders, concurrency int) []Result {
	type Req struct {
		BidderID string `json:"bidder_id"`
		Amount   int64  `json:"amount"`
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, nBidders)

	for i := 0; i < nBidders; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := Req{BidderID: fmt.Sprintf("bidder-%d", idx+1), Amount: startingPrice + int64(idx)}
			results[idx] = bidOnce(client, baseURL, auctionID, req, req.Amount)
		}(i)
	}

	wg.Wait()
	return results
}

func bidOnce(client *http.Client, baseURL, auctionID string, req any, amount int64) Result {
	b, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/api/auctions/%s/bids", baseURL, auctionID)
	httpReq, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err, Amount: amount}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	res := Result{Status: resp.StatusCode, Amount: amount}
	var out envelope
	if err := json.Unmarshal(body, &out); err == nil {
		var data struct {
			Outcome string `json:"status"`
		}
		if len(out.Data) > 0 && json.Unmarshal(out.Data, &data) == nil {
			res.Outcome = data.Outcome
		}
	}
	return res
}

// printSummary 聚合输出状态码与 outcome 分布。
func printSummary(name string, results []Result, elapsed time.Duration) {
	codes := map[int]int{}
	outcomes := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		codes[r.Status]++
		if r.Outcome != "" {
			outcomes[r.Outcome]++
		}
	}
	fmt.Printf("[%s] %d requests in %s\n", name, len(results), elapsed)
	fmt.Println("  http status summary:")
	for _, code := range []int{200, 400, 404, 409, 429, 500} {
		if codes[code] > 0 {
			fmt.Printf("    %d -> %d\n", code, codes[code])
		}
	}
	fmt.Println("  outcome summary:")
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("    %s -> %d\n", k, outcomes[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func createAuction(client *http.Client, baseURL string, startingPrice int64, lifetime time.Duration) (string, error) {
	now := time.Now()
	body, err := doPOST(client, baseURL+"/api/auctions", map[string]any{
		"seller_id":      "loadtest-seller",
		"title":          "loadtest auction",
		"starting_price": startingPrice,
		"start_time":     now.Add(-time.Second).Format(time.RFC3339),
		"end_time":       now.Add(lifetime).Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	var out envelope
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	var a struct {
		ID string `json:"auction_id"`
	}
	if err := json.Unmarshal(out.Data, &a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// doPOST 发送 JSON POST 请求，非 2xx 视为失败。
func doPOST(client *http.Client, url string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return b, nil
}

// getHighest 查询实时视图中的最高价，无出价时为 0。
func getHighest(client *http.Client, baseURL, auctionID string) (int64, error) {
	url := fmt.Sprintf("%s/api/auctions/%s", baseURL, auctionID)
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data struct {
			HighestBid *int64 `json:"highest_bid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	if out.Data.HighestBid == nil {
		return 0, nil
	}
	return *out.Data.HighestBid, nil
}
