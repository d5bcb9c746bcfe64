//go:build integration

// Package integration runs end-to-end checks against a running Identity Service.
// Run with: go test -v -tags=integration ./test/integration/...
package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var identityURL = envOrDefault("IDENTITY_URL", "http://localhost:8001")

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// apiRequest makes an HTTP request and returns status code and decoded JSON body
func apiRequest(t *testing.T, method, url string) (int, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		json.Unmarshal(respBody, &result) // metrics are not JSON
	}
	return resp.StatusCode, result
}
