// Command loadtest drives the pipeline end to end. It uploads copies of a
// sample document to the object store and waits for each record to appear
// on the ingestor, or, with -mode trigger, calls the debug trigger directly.
//
// Usage:
//
//	go run ./cmd/loadtest -file receipt.pdf -key <trigger-key> [-count 100] [-concurrency 10]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ObjectStoreURL string
	IngestorURL    string
	Container      string
	Prefix         string
	Key            string
	Mode           string
	Count          int
	Concurrency    int
	Wait           time.Duration
	Poll           time.Duration
	Content        []byte
	Ext            string
}

type sample struct {
	latency time.Duration
	outcome string
}

type Stats struct {
	mu      sync.Mutex
	samples []sample
}

func (s *Stats) Record(latency time.Duration, outcome string) {
	s.mu.Lock()
	s.samples = append(s.samples, sample{latency, outcome})
	s.mu.Unlock()
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.ObjectStoreURL, "objectstore", "http://localhost:8083", "object store base URL")
	flag.StringVar(&cfg.IngestorURL, "ingestor", "http://localhost:8080", "ingestor base URL")
	flag.StringVar(&cfg.Container, "container", "documents", "document container")
	flag.StringVar(&cfg.Prefix, "prefix", "loadtest/", "object name prefix")
	flag.StringVar(&cfg.Key, "key", os.Getenv("DF_TRIGGER_KEY"), "trigger key")
	flag.StringVar(&cfg.Mode, "mode", "upload", "upload (event path) or trigger (debug path)")
	flag.IntVar(&cfg.Count, "count", 50, "documents to process")
	flag.IntVar(&cfg.Concurrency, "concurrency", 10, "documents in flight")
	flag.DurationVar(&cfg.Wait, "wait", 5*time.Minute, "how long to wait for each record")
	flag.DurationVar(&cfg.Poll, "poll", time.Second, "record polling interval")
	file := flag.String("file", "", "sample document to upload")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "error: -file is required")
		os.Exit(1)
	}
	content, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading sample: %v\n", err)
		os.Exit(1)
	}
	cfg.Content = content
	cfg.Ext = filepath.Ext(*file)

	fmt.Println("=== docflow load test ===")
	fmt.Printf("Mode:        %s\n", cfg.Mode)
	fmt.Printf("Documents:   %d\n", cfg.Count)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Println()

	start := time.Now()
	stats := run(context.Background(), cfg)
	printReport(stats, time.Since(start))
}

func run(ctx context.Context, cfg Config) *Stats {
	stats := &Stats{}
	client := &http.Client{Timeout: 5 * time.Minute}
	runID := uuid.NewString()[:8]

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := 0; i < cfg.Count; i++ {
		name := fmt.Sprintf("%s%s/%04d%s", cfg.Prefix, runID, i, cfg.Ext)
		g.Go(func() error {
			begin := time.Now()
			var outcome string
			var err error
			if cfg.Mode == "trigger" {
				outcome, err = trigger(ctx, client, cfg, name)
			} else {
				outcome, err = uploadAndWait(ctx, client, cfg, name)
			}
			if err != nil {
				outcome = "error: " + err.Error()
			}
			stats.Record(time.Since(begin), outcome)
			return nil
		})
	}
	g.Wait()
	return stats
}

func uploadAndWait(ctx context.Context, client *http.Client, cfg Config, name string) (string, error) {
	url := fmt.Sprintf("%s/containers/%s/objects/%s", cfg.ObjectStoreURL, cfg.Container, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(cfg.Content))
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload answered %d", resp.StatusCode)
	}

	docURL := fmt.Sprintf("%s/api/documents/%s", cfg.IngestorURL, record.DocumentID(cfg.Container, name))
	deadline := time.Now().Add(cfg.Wait)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("x-functions-key", cfg.Key)
		resp, err := client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				return "ok", nil
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", fmt.Errorf("ingestor rejected the trigger key (%d)", resp.StatusCode)
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(cfg.Poll):
		}
	}
	return "", errors.New("record did not appear in time")
}

func trigger(ctx context.Context, client *http.Client, cfg Config, name string) (string, error) {
	url := fmt.Sprintf("%s/containers/%s/objects/%s", cfg.ObjectStoreURL, cfg.Container, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(cfg.Content))
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	body, _ := json.Marshal(map[string]string{"blob_name": name, "container_name": cfg.Container})
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, cfg.IngestorURL+"/api/process", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-functions-key", cfg.Key)
	resp, err = client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Outcome string `json:"outcome"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Outcome == "" {
		return fmt.Sprintf("http %d", resp.StatusCode), nil
	}
	return out.Outcome, nil
}

func printReport(stats *Stats, elapsed time.Duration) {
	stats.mu.Lock()
	samples := append([]sample(nil), stats.samples...)
	stats.mu.Unlock()

	outcomes := map[string]int{}
	var latencies []time.Duration
	for _, s := range samples {
		outcomes[s.outcome]++
		if s.outcome == "ok" {
			latencies = append(latencies, s.latency)
		}
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Documents:   %d\n", len(samples))
	fmt.Printf("Succeeded:   %d\n", outcomes["ok"])
	fmt.Printf("Throughput:  %.2f docs/sec\n", float64(len(samples))/elapsed.Seconds())

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		fmt.Println()
		fmt.Println("=== End-to-end latency ===")
		fmt.Printf("Min:  %s\n", latencies[0])
		fmt.Printf("P50:  %s\n", percentile(latencies, 50))
		fmt.Printf("P90:  %s\n", percentile(latencies, 90))
		fmt.Printf("P99:  %s\n", percentile(latencies, 99))
		fmt.Printf("Max:  %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Outcomes ===")
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-40s %d\n", k, outcomes[k])
	}
	if outcomes["ok"] == 0 {
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
