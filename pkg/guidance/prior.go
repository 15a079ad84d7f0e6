package guidance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prior is the frozen diffusion model the estimator scores against. It
// predicts the noise component of a noised image given a prompt embedding
// and the timestep the noise was injected at. Implementations never expose
// model weights and are never updated by training.
type Prior interface {
	PredictNoise(ctx context.Context, noisy []float64, width, height int, embedding []float64, timestep int) ([]float64, error)
}

// RemotePrior calls an inference service over JSON-HTTP. The service owns
// the model; this client only ships buffers back and forth.
type RemotePrior struct {
	baseURL string
	client  *http.Client
}

// NewRemotePrior creates a client for the prior service at baseURL
func NewRemotePrior(baseURL string, timeout time.Duration) *RemotePrior {
	return &RemotePrior{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// predictRequest is the wire format of one denoising query
type predictRequest struct {
	Noisy     []float64 `json:"noisy"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Embedding []float64 `json:"embedding"`
	Timestep  int       `json:"timestep"`
}

type predictResponse struct {
	Noise []float64 `json:"noise"`
	Error string    `json:"error,omitempty"`
}

// Ping verifies the service is reachable before training starts. A run that
// would fail on its first estimate should fail here instead.
func (p *RemotePrior) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("prior service unreachable at %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prior service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// PredictNoise posts the noised buffer and returns the predicted noise
func (p *RemotePrior) PredictNoise(ctx context.Context, noisy []float64, width, height int, embedding []float64, timestep int) ([]float64, error) {
	body, err := json.Marshal(predictRequest{
		Noisy:     noisy,
		Width:     width,
		Height:    height,
		Embedding: embedding,
		Timestep:  timestep,
	})
	if err != nil {
		return nil, fmt.Errorf("encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("predict call: status %d: %s", resp.StatusCode, msg)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("prior service error: %s", out.Error)
	}
	if len(out.Noise) != len(noisy) {
		return nil, fmt.Errorf("prior returned %d values for %d inputs", len(out.Noise), len(noisy))
	}
	return out.Noise, nil
}
