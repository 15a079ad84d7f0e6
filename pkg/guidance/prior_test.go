package guidance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/df07/go-dream-distiller/pkg/renderer"
)

func priorServer(t *testing.T, handler func(req predictRequest) predictResponse) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(handler(req))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemotePriorRoundTrip(t *testing.T) {
	srv := priorServer(t, func(req predictRequest) predictResponse {
		noise := make([]float64, len(req.Noisy))
		for i, v := range req.Noisy {
			noise[i] = v * 2
		}
		return predictResponse{Noise: noise}
	})

	prior := NewRemotePrior(srv.URL, 2*time.Second)
	require.NoError(t, prior.Ping(context.Background()))

	out, err := prior.PredictNoise(context.Background(),
		[]float64{0.5, -1, 2}, 1, 1, []float64{0.1}, 42)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2, 4}, out)
}

func TestRemotePriorPingFailsFast(t *testing.T) {
	prior := NewRemotePrior("http://127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, prior.Ping(context.Background()))
}

func TestRemotePriorRejectsLengthMismatch(t *testing.T) {
	srv := priorServer(t, func(req predictRequest) predictResponse {
		return predictResponse{Noise: []float64{1}}
	})
	prior := NewRemotePrior(srv.URL, 2*time.Second)

	_, err := prior.PredictNoise(context.Background(), []float64{1, 2, 3}, 1, 1, nil, 0)
	assert.ErrorContains(t, err, "returned 1 values for 3 inputs")
}

func TestRemotePriorSurfacesServiceError(t *testing.T) {
	srv := priorServer(t, func(req predictRequest) predictResponse {
		return predictResponse{Error: "model not loaded"}
	})
	prior := NewRemotePrior(srv.URL, 2*time.Second)

	_, err := prior.PredictNoise(context.Background(), []float64{1}, 1, 1, nil, 0)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestHashedPromptProcessorDeterministic(t *testing.T) {
	p, err := NewHashedPromptProcessor(32)
	require.NoError(t, err)

	a, err := p.Embedding("a ceramic teapot", renderer.BucketFront)
	require.NoError(t, err)
	b, err := p.Embedding("a ceramic teapot", renderer.BucketFront)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	// Unit norm
	norm := 0.0
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestHashedPromptProcessorViewsDiffer(t *testing.T) {
	p, err := NewHashedPromptProcessor(32)
	require.NoError(t, err)

	front, err := p.Embedding("a ceramic teapot", renderer.BucketFront)
	require.NoError(t, err)
	back, err := p.Embedding("a ceramic teapot", renderer.BucketBack)
	require.NoError(t, err)
	assert.NotEqual(t, front, back)

	uncond := p.UnconditionalEmbedding()
	assert.NotEqual(t, front, uncond)
	assert.Len(t, uncond, 32)
}

func TestHashedPromptProcessorRejectsEmptyPrompt(t *testing.T) {
	p, err := NewHashedPromptProcessor(8)
	require.NoError(t, err)
	_, err = p.Embedding("", renderer.BucketFront)
	assert.Error(t, err)

	_, err = NewHashedPromptProcessor(0)
	assert.Error(t, err)
}
