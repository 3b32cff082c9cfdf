// Package e2e exercises a running docflow deployment: object store,
// delivery service and ingestor, with real Kafka, PostgreSQL and an
// extraction service behind them.
//
// Prerequisites:
//   - the three services running (go run ./cmd/objectstore, ./cmd/delivery, ./cmd/ingestor)
//   - the subscription bootstrapped (go run ./cmd/docflowctl bootstrap)
//   - a trigger key in E2E_TRIGGER_KEY and a sample document in E2E_SAMPLE_FILE
//
// Run with:
//
//	go test -v -timeout=10m ./test/e2e/...
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/record"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type e2eConfig struct {
	ObjectStoreURL string
	DeliveryURL    string
	IngestorURL    string
	Container      string
	TriggerKey     string
	AdminKey       string
	SampleFile     string
	Wait           time.Duration
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		ObjectStoreURL: envOrDefault("E2E_OBJECTSTORE_URL", "http://localhost:8083"),
		DeliveryURL:    envOrDefault("E2E_DELIVERY_URL", "http://localhost:8084"),
		IngestorURL:    envOrDefault("E2E_INGESTOR_URL", "http://localhost:8080"),
		Container:      envOrDefault("E2E_CONTAINER", "documents"),
		TriggerKey:     os.Getenv("E2E_TRIGGER_KEY"),
		AdminKey:       os.Getenv("E2E_ADMIN_KEY"),
		SampleFile:     os.Getenv("E2E_SAMPLE_FILE"),
		Wait:           envOrDefaultDuration("E2E_WAIT", 3*time.Minute),
	}
}

func (c e2eConfig) requirePipeline(t *testing.T) []byte {
	t.Helper()
	if c.TriggerKey == "" || c.SampleFile == "" {
		t.Skip("E2E_TRIGGER_KEY and E2E_SAMPLE_FILE are required")
	}
	content, err := os.ReadFile(c.SampleFile)
	if err != nil {
		t.Fatalf("reading sample: %v", err)
	}
	if _, err := http.Get(c.IngestorURL + "/health/live"); err != nil {
		t.Skipf("ingestor unavailable: %v", err)
	}
	return content
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestServicesHealthy(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	services := []struct {
		name string
		url  string
	}{
		{"objectstore live", cfg.ObjectStoreURL + "/health/live"},
		{"delivery live", cfg.DeliveryURL + "/health/live"},
		{"delivery ready", cfg.DeliveryURL + "/health/ready"},
		{"ingestor live", cfg.IngestorURL + "/health/live"},
		{"ingestor ready", cfg.IngestorURL + "/health/ready"},
		{"delivery jwks", cfg.DeliveryURL + "/.well-known/jwks.json"},
	}
	for _, svc := range services {
		t.Run(svc.name, func(t *testing.T) {
			resp, err := client.Get(svc.url)
			if err != nil {
				t.Skipf("service unavailable: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

func TestSubscriptionRegistered(t *testing.T) {
	cfg := loadE2EConfig()
	if cfg.AdminKey == "" {
		t.Skip("E2E_ADMIN_KEY is required")
	}
	req, _ := http.NewRequest(http.MethodGet, cfg.DeliveryURL+"/api/v1/subscriptions/documents-created", nil)
	req.Header.Set("X-API-Key", cfg.AdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Skipf("delivery service unavailable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the bootstrapped subscription, got %d", resp.StatusCode)
	}
}

// TestUploadProducesRecord follows one document through the event path:
// upload -> notification -> delivery -> ingestion -> record.
func TestUploadProducesRecord(t *testing.T) {
	cfg := loadE2EConfig()
	content := cfg.requirePipeline(t)

	name := fmt.Sprintf("e2e/%d%s", time.Now().UnixNano(), filepath.Ext(cfg.SampleFile))
	upload(t, cfg, name, content)

	docID := record.DocumentID(cfg.Container, name)
	rec := waitForRecord(t, cfg, docID)
	if rec["fileName"] != filepath.Base(name) {
		t.Errorf("fileName = %v", rec["fileName"])
	}
	t.Logf("record %s: status=%v fields=%v", docID, rec["status"], rec["extractedFields"])
}

// TestTriggerMatchesEventPath reprocesses an uploaded object through the
// debug trigger and expects the same record.
func TestTriggerMatchesEventPath(t *testing.T) {
	cfg := loadE2EConfig()
	content := cfg.requirePipeline(t)

	name := fmt.Sprintf("e2e/%d%s", time.Now().UnixNano(), filepath.Ext(cfg.SampleFile))
	upload(t, cfg, name, content)
	docID := record.DocumentID(cfg.Container, name)
	before := waitForRecord(t, cfg, docID)

	body, _ := json.Marshal(map[string]string{"blob_name": name, "container_name": cfg.Container})
	req, _ := http.NewRequest(http.MethodPost, cfg.IngestorURL+"/api/process", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-functions-key", cfg.TriggerKey)
	client := &http.Client{Timeout: cfg.Wait}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || out["outcome"] != "ok" {
		t.Fatalf("trigger answered %d: %v", resp.StatusCode, out)
	}
	if out["documentId"] != docID {
		t.Errorf("documentId = %v, want %s", out["documentId"], docID)
	}

	after := waitForRecord(t, cfg, docID)
	for _, field := range []string{"documentId", "contentSha256", "extractedFields", "status"} {
		a, _ := json.Marshal(before[field])
		b, _ := json.Marshal(after[field])
		if !bytes.Equal(a, b) {
			t.Errorf("%s differs between paths: %s vs %s", field, a, b)
		}
	}
}

func TestTriggerMissingObject(t *testing.T) {
	cfg := loadE2EConfig()
	cfg.requirePipeline(t)

	body, _ := json.Marshal(map[string]string{"blob_name": "e2e/does-not-exist.pdf", "container_name": cfg.Container})
	req, _ := http.NewRequest(http.MethodPost, cfg.IngestorURL+"/api/process", bytes.NewReader(body))
	req.Header.Set("x-functions-key", cfg.TriggerKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a missing object, got %d", resp.StatusCode)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func upload(t *testing.T, cfg e2eConfig, name string, content []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/containers/%s/objects/%s", cfg.ObjectStoreURL, cfg.Container, name),
		bytes.NewReader(content))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Skipf("object store unavailable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload answered %d", resp.StatusCode)
	}
}

func waitForRecord(t *testing.T, cfg e2eConfig, docID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(cfg.Wait)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, cfg.IngestorURL+"/api/documents/"+docID, nil)
		req.Header.Set("x-functions-key", cfg.TriggerKey)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				var rec map[string]any
				json.NewDecoder(resp.Body).Decode(&rec)
				resp.Body.Close()
				return rec
			}
			resp.Body.Close()
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("record %s did not appear within %s", docID, cfg.Wait)
	return nil
}

// ---------------------------------------------------------------------------
// Env helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
