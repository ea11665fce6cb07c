// Loadtest schedules many retries through the HTTP API and waits for the
// queue to drain.
// Usage: go run ./scripts/loadtest -webhooks 1000 -receiver http://receiver:9999/hook
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type scheduleRequest struct {
	WebhookID     string `json:"webhook_id"`
	FormID        string `json:"form_id"`
	WebhookURL    string `json:"webhook_url"`
	FailureReason string `json:"failure_reason"`
	StatusCode    int    `json:"status_code"`
}

type queueStatus struct {
	QueueSize          int            `json:"queue_size"`
	TotalRecords       int            `json:"total_records"`
	StatusDistribution map[string]int `json:"status_distribution"`
}

func main() {
	numWebhooks := flag.Int("webhooks", 1000, "Number of failed webhooks to schedule")
	apiURL := flag.String("api", "http://localhost:8080", "retryd API URL")
	receiverURL := flag.String("receiver", "http://receiver:9999/hook", "Webhook receiver URL")
	concurrency := flag.Int("concurrency", 50, "Concurrent HTTP requests")
	timeout := flag.Duration("timeout", 10*time.Minute, "How long to wait for the queue to drain")
	flag.Parse()

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	fmt.Println("==============================================")
	fmt.Println("  retryd load test")
	fmt.Println("==============================================")
	fmt.Printf("  Webhooks: %d\n  Concurrency: %d\n", *numWebhooks, *concurrency)
	fmt.Println()

	fmt.Print("[1/3] Checking API health... ")
	resp, err := client.Get(*apiURL + "/health")
	if err != nil {
		log.Fatalf("API not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API unhealthy: %d", resp.StatusCode)
	}
	fmt.Println("OK")

	fmt.Printf("[2/3] Scheduling %d retries... ", *numWebhooks)
	start := time.Now()
	ok, failed := schedule(client, *apiURL, *receiverURL, *numWebhooks, *concurrency)
	scheduleDuration := time.Since(start)
	fmt.Printf("done (%.2fs, %.0f/s)\n", scheduleDuration.Seconds(), float64(ok)/scheduleDuration.Seconds())
	if failed > 0 {
		fmt.Printf("  WARNING: %d schedule requests failed\n", failed)
	}

	fmt.Println("[3/3] Waiting for the queue to drain...")
	deadline := time.Now().Add(*timeout)
	var status queueStatus
	for time.Now().Before(deadline) {
		status, err = getStatus(client, *apiURL)
		if err != nil {
			log.Printf("status check failed: %v", err)
		} else if status.QueueSize == 0 {
			break
		}
		time.Sleep(2 * time.Second)
	}
	total := time.Since(start)

	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  RESULTS")
	fmt.Println("==============================================")
	fmt.Printf("  Scheduled: %d in %.2fs\n", ok, scheduleDuration.Seconds())
	fmt.Printf("  Queue remaining: %d\n", status.QueueSize)
	for name, n := range status.StatusDistribution {
		if n > 0 {
			fmt.Printf("    %-22s %d\n", name, n)
		}
	}
	fmt.Printf("  Total duration: %.2fs\n", total.Seconds())
	fmt.Println("==============================================")
}

func schedule(client *http.Client, apiURL, receiverURL string, n, concurrency int) (int64, int64) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var ok, failed atomic.Int64

	run := time.Now().Unix()
	for i := 1; i <= n; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			body, _ := json.Marshal(scheduleRequest{
				WebhookID:     fmt.Sprintf("load-%d-%d", run, idx),
				FormID:        fmt.Sprintf("form-%d", idx%20),
				WebhookURL:    receiverURL,
				FailureReason: "HTTP 503",
				StatusCode:    http.StatusServiceUnavailable,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/retries", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				failed.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode == http.StatusAccepted {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
		}(i)
	}

	wg.Wait()
	return ok.Load(), failed.Load()
}

func getStatus(client *http.Client, apiURL string) (queueStatus, error) {
	var s queueStatus
	resp, err := client.Get(apiURL + "/retries")
	if err != nil {
		return s, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s, fmt.Errorf("status %d", resp.StatusCode)
	}
	return s, json.NewDecoder(resp.Body).Decode(&s)
}
