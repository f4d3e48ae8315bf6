package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result 记录单个订单的最终状态，便于聚合统计。
type Result struct {
	OrderID uint
	Status  string
	Err     error
}

// simulate 向运维接口批量投放 add_plan(eSIM) 订单并跟踪到终态，
// 用于本地验证「物化 → 推进 → 完成」整条链路与调度并发上限。
func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for ops endpoints")
	offerID := flag.Int("offer", 0, "offer id used for created orders (0 = create one)")
	nOrders := flag.Int("orders", 20, "orders to create")
	concurrency := flag.Int("c", 10, "max concurrency")
	preload := flag.Int("preload", 50, "esim iccids to preload into the pool (0 to skip)")
	waitFor := flag.Duration("wait", 2*time.Minute, "how long to wait for terminal status")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *preload > 0 {
		// 先预热 eSIM 池，避免 SIM 步骤因池空而全部落入重试。
		iccids := make([]string, 0, *preload)
		for i := 0; i < *preload; i++ {
			iccids = append(iccids, fmt.Sprintf("8986099%09d", i))
		}
		if err := doPOST(client, *baseURL+"/ops/sim_pool/esim", *adminToken,
			map[string]any{"iccids": iccids}, nil); err != nil {
			panic(fmt.Sprintf("preload esim pool failed: %v", err))
		}
		fmt.Printf("preloaded %d esim iccids\n", *preload)
	}

	if *offerID == 0 {
		id, err := createOffer(client, *baseURL, *adminToken)
		if err != nil {
			panic(fmt.Sprintf("create offer failed: %v", err))
		}
		*offerID = int(id)
		fmt.Printf("created offer id=%d\n", *offerID)
	}

	fmt.Printf("creating %d add_plan orders, concurrency=%d\n", *nOrders, *concurrency)
	results := runOrders(client, *baseURL, *adminToken, uint(*offerID), *nOrders, *concurrency, *waitFor)
	printSummary(results)
}

func createOffer(client *http.Client, baseURL, token string) (uint, error) {
	var created struct {
		Data struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	err := doPOST(client, baseURL+"/ops/offers", token, map[string]any{
		"name":          "Simulate M",
		"monthly_price": 1999,
		"data_mb":       10240,
		"period_days":   30,
	}, &created)
	if err != nil {
		return 0, err
	}
	return created.Data.ID, nil
}

func runOrders(client *http.Client, baseURL, token string, offerID uint, n, concurrency int, waitFor time.Duration) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = driveOrder(client, baseURL, token, offerID, int64(10001+i), waitFor)
		}(i)
	}
	wg.Wait()
	return results
}

// driveOrder 建单（直接 Confirmed）后轮询到终态。
func driveOrder(client *http.Client, baseURL, token string, offerID uint, userID int64, waitFor time.Duration) Result {
	var created struct {
		Data struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	err := doPOST(client, baseURL+"/ops/orders", token, map[string]any{
		"type":     "add_plan",
		"user_id":  userID,
		"offer_id": offerID,
		"sim_type": "esim",
		"confirm":  true,
	}, &created)
	if err != nil {
		return Result{Err: err}
	}

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		status, err := orderStatus(client, baseURL, token, created.Data.ID)
		if err != nil {
			return Result{OrderID: created.Data.ID, Err: err}
		}
		if status == "done" || status == "aborted" {
			return Result{OrderID: created.Data.ID, Status: status}
		}
		time.Sleep(2 * time.Second)
	}
	status, _ := orderStatus(client, baseURL, token, created.Data.ID)
	return Result{OrderID: created.Data.ID, Status: status, Err: fmt.Errorf("not terminal after %s", waitFor)}
}

func orderStatus(client *http.Client, baseURL, token string, orderID uint) (string, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/ops/orders/%d", baseURL, orderID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Admin-Token", token)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	var out struct {
		Data struct {
			Order struct {
				Status int `json:"status"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	// 与 model.OrderStatus 的枚举顺序保持一致。
	names := []string{"draft", "confirmed", "pending", "processing", "error", "done", "aborted"}
	if out.Data.Order.Status >= 0 && out.Data.Order.Status < len(names) {
		return names[out.Data.Order.Status], nil
	}
	return "unknown", nil
}

func doPOST(client *http.Client, url, token string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(payload))
	}
	if out != nil {
		return json.Unmarshal(payload, out)
	}
	return nil
}

func printSummary(results []Result) {
	counts := map[string]int{}
	errs := 0
	for _, r := range results {
		if r.Err != nil {
			errs++
			fmt.Printf("order %d: %v (last status %q)\n", r.OrderID, r.Err, r.Status)
			continue
		}
		counts[r.Status]++
	}
	fmt.Printf("\nsummary: done=%d aborted=%d failed=%d total=%d\n",
		counts["done"], counts["aborted"], errs, len(results))
}
