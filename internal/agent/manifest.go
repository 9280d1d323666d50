package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
)

// ManifestRegistrar registers agents with an external discovery service.
// Registration is best-effort everywhere it is called.
type ManifestRegistrar interface {
	Register(ctx context.Context, snapshot model.AgentSnapshot) error
	Deregister(ctx context.Context, id string) error
}

// HTTPManifest talks to a remote manifest registry.
type HTTPManifest struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPManifest creates a manifest client for the given base URL.
func NewHTTPManifest(url string, logger *slog.Logger) *HTTPManifest {
	return &HTTPManifest{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// Register announces the agent.
func (m *HTTPManifest) Register(ctx context.Context, snapshot model.AgentSnapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("agent: encode manifest entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url+"/agents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: manifest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: manifest register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent: manifest register: status %d", resp.StatusCode)
	}
	return nil
}

// Deregister withdraws the agent.
func (m *HTTPManifest) Deregister(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.url+"/agents/"+id, nil)
	if err != nil {
		return fmt.Errorf("agent: manifest request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: manifest deregister: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent: manifest deregister: status %d", resp.StatusCode)
	}
	return nil
}
