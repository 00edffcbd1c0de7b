package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var eventTypes = []string{"page_view", "service_view", "booking_started", "booking_completed", "search", "click"}

type trackEvent struct {
	ID         string         `json:"event_id"`
	SessionID  string         `json:"session_id"`
	Type       string         `json:"event_type"`
	ServiceID  string         `json:"service_id,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/track", "Target URL for event tracking")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Requests per second limit")
	callers := flag.Int("callers", 50, "Number of distinct caller IPs to spread requests over")
	flag.Parse()
	if *callers < 1 {
		*callers = 1
	}

	log.Printf("Starting load test on %s", *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Callers: %d", *concurrency, *duration, *rps, *callers)

	var wg sync.WaitGroup
	var successCount, limitedCount, errorCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}
			sessionID := uuid.NewString()

			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				event := trackEvent{
					ID:         uuid.NewString(),
					SessionID:  sessionID,
					Type:       eventTypes[rand.IntN(len(eventTypes))],
					ServiceID:  fmt.Sprintf("svc-%d", rand.IntN(5)),
					Properties: map[string]any{"worker": workerID, "email": "load@test.local"},
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue // Should not happen
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(payload))
				if err != nil {
					continue // Should not happen
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Forwarded-For", callerIP(rand.IntN(*callers)))

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						errorCount.Add(1)
					}
					continue
				}

				switch resp.StatusCode {
				case http.StatusAccepted:
					successCount.Add(1)
				case http.StatusTooManyRequests:
					limitedCount.Add(1)
				default:
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	totalRequests := successCount.Load() + limitedCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Total Requests: %d", totalRequests)
	log.Printf("Successful (202 Accepted): %d", successCount.Load())
	log.Printf("Rate limited (429): %d", limitedCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
}

func callerIP(n int) string {
	return fmt.Sprintf("10.0.%d.%d", n/256, n%256)
}
