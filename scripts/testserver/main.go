// Testserver is a webhook receiver for exercising retryd by hand. It can fail
// a share of requests, answer with a fixed status, and verify signatures.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/menu-planning/retryd/internal/delivery"
)

var (
	requestCount atomic.Uint64
	successCount atomic.Uint64
	failureCount atomic.Uint64
	badSignature atomic.Uint64
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	failStatus := flag.Int("fail-status", http.StatusServiceUnavailable, "status returned for failed requests (410 disables the webhook)")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	failFirst := flag.Int("fail-first", 0, "fail the first N deliveries of every webhook")
	secret := flag.String("secret", "", "signing secret; when set, unsigned or mis-signed requests get 401")
	latency := flag.Int("latency", 50, "average response latency in ms")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	go reportStats()

	seen := newCounter()
	http.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		time.Sleep(time.Duration(*latency) * time.Millisecond)

		body, _ := io.ReadAll(r.Body)
		webhookID := r.Header.Get(delivery.HeaderWebhookID)

		if *secret != "" && !delivery.Verify(body, *secret, r.Header.Get(delivery.HeaderSignature)) {
			badSignature.Add(1)
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		n := seen.inc(webhookID)
		fail := n <= *failFirst || (*failRate > 0 && rand.Float64() < *failRate)

		if !*quiet {
			fmt.Printf("[REQ] webhook=%s delivery=%s attempt=%d fail=%v\n",
				webhookID, r.Header.Get(delivery.HeaderDeliveryID), n, fail)
		}

		if fail {
			failureCount.Add(1)
			http.Error(w, "simulated failure", *failStatus)
			return
		}
		successCount.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Webhook receiver listening on %s/hook\n", addr)
	fmt.Printf("  Fail status: %d | Fail rate: %.1f%% | Fail first: %d\n", *failStatus, *failRate*100, *failFirst)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func reportStats() {
	ticker := time.NewTicker(5 * time.Second)
	for range ticker.C {
		total := requestCount.Swap(0)
		if total == 0 {
			continue
		}
		fmt.Printf("[STATS] Total: %d | Success: %d | Failures: %d | Bad signature: %d | Rate: %.1f req/s\n",
			total, successCount.Swap(0), failureCount.Swap(0), badSignature.Swap(0), float64(total)/5.0)
	}
}
