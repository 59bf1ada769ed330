package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"costguardian/internal/logging"
	"costguardian/internal/metrics"
	"costguardian/internal/models"
	"costguardian/internal/queue"
	"costguardian/internal/vault"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config holds prober settings.
type Config struct {
	BaseURL        string
	Model          string
	Prompt         string
	Interval       time.Duration
	RequestTimeout time.Duration

	// MaxAttempts and RetryBackoff bound the per-probe retries. A heartbeat
	// is cheap and the next interval tick will try again anyway.
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultConfig returns the default prober configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		Model:          "gpt-4o-mini",
		Prompt:         "Return a one-word heartbeat: 'ping'.",
		Interval:       5 * time.Minute,
		RequestTimeout: 30 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   2 * time.Second,
	}
}

// Prober periodically exercises each active credential with a tiny chat
// completion and feeds the reported usage into the ingestion queue. A
// failed probe only logs; credential state is left untouched.
type Prober struct {
	cfg      Config
	vault    *vault.Vault
	queue    queue.Queue
	registry *metrics.Registry
	client   *http.Client
}

// New creates a prober.
func New(cfg Config, v *vault.Vault, q queue.Queue, registry *metrics.Registry) *Prober {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Prober{
		cfg:      cfg,
		vault:    v,
		queue:    q,
		registry: registry,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	logging.Infof("prober started interval=%s model=%s", p.cfg.Interval, p.cfg.Model)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Infof("prober stopping")
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every active credential once.
func (p *Prober) ProbeAll(ctx context.Context) {
	masked, err := p.vault.ListMasked(ctx)
	if err != nil {
		logging.Errorf("prober failed to list credentials: %v", err)
		return
	}

	for _, cred := range masked {
		if !cred.Active {
			continue
		}
		if err := p.ProbeOne(ctx, cred.ID); err != nil {
			p.registry.IncProbeFailures()
			logging.Warningf("probe failed credential=%s label=%s: %v", cred.ID, cred.Label, err)
		}
	}
}

// chatUsage is the usage block of a chat completion response.
type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	Model string    `json:"model"`
	Usage chatUsage `json:"usage"`
}

// ProbeOne decrypts one credential, performs the heartbeat call and, on
// success, enqueues the reported usage and records the successful use.
func (p *Prober) ProbeOne(ctx context.Context, credentialID string) error {
	secret, err := p.vault.DecryptForUse(ctx, credentialID)
	if err != nil {
		p.registry.IncDecryptFailures()
		return err
	}

	resp, err := p.probeRequest(ctx, secret)
	if err != nil {
		return err
	}

	sub := models.UsageSubmission{
		Identity:         credentialID,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Timestamp:        time.Now().UTC(),
	}
	if sub.Model == "" {
		sub.Model = p.cfg.Model
	}

	if err := p.queue.Enqueue(ctx, sub); err != nil {
		return fmt.Errorf("failed to enqueue probe usage: %w", err)
	}
	if err := p.vault.RecordSuccess(ctx, credentialID, time.Now()); err != nil {
		return err
	}

	p.registry.IncProbeSuccesses()
	logging.Infof("probe ok credential=%s model=%s prompt=%d completion=%d",
		credentialID, sub.Model, sub.PromptTokens, sub.CompletionTokens)
	return nil
}

// probeRequest performs the chat completion with bounded retries.
func (p *Prober) probeRequest(ctx context.Context, secret string) (*chatResponse, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model": p.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": p.cfg.Prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal probe request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.RetryBackoff):
			}
		}

		resp, err := p.doRequest(ctx, payload, secret)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("probe failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func (p *Prober) doRequest(ctx context.Context, payload []byte, secret string) (*chatResponse, error) {
	url := p.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse probe response: %w", err)
	}
	return &parsed, nil
}
