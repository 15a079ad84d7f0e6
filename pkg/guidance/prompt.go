package guidance

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/df07/go-dream-distiller/pkg/renderer"
)

// PromptProcessor converts a text prompt and the current view bucket into
// the embedding the prior conditions on. Embeddings are computed per bucket
// so "front view" and "back view" phrasing can differ; implementations must
// be deterministic for a fixed prompt.
type PromptProcessor interface {
	Embedding(prompt string, view renderer.ViewBucket) ([]float64, error)
	UnconditionalEmbedding() []float64
	Dim() int
}

// viewPhrase appends the bucket's qualifier the way view-dependent
// prompting phrases it.
func viewPhrase(prompt string, view renderer.ViewBucket) string {
	switch view {
	case renderer.BucketFront:
		return prompt + ", front view"
	case renderer.BucketSide:
		return prompt + ", side view"
	case renderer.BucketBack:
		return prompt + ", back view"
	case renderer.BucketOverhead:
		return prompt + ", overhead view"
	default:
		return prompt
	}
}

// HashedPromptProcessor produces deterministic pseudo-embeddings from a
// text hash. It carries no semantics; it exists so the pipeline runs
// offline and so tests get stable conditioned/unconditioned vectors. A
// real text encoder slots in behind the same interface.
type HashedPromptProcessor struct {
	dim int
}

// NewHashedPromptProcessor creates a processor emitting dim-sized vectors
func NewHashedPromptProcessor(dim int) (*HashedPromptProcessor, error) {
	if dim < 1 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &HashedPromptProcessor{dim: dim}, nil
}

func (p *HashedPromptProcessor) Dim() int { return p.dim }

// Embedding hashes the view-qualified prompt into a unit-norm vector
func (p *HashedPromptProcessor) Embedding(prompt string, view renderer.ViewBucket) ([]float64, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	return p.expand(viewPhrase(prompt, view)), nil
}

// UnconditionalEmbedding is the fixed null-prompt vector for the CFG
// unconditioned branch.
func (p *HashedPromptProcessor) UnconditionalEmbedding() []float64 {
	return p.expand("")
}

// expand stretches one seed hash into a deterministic unit-norm vector by
// re-hashing with the element index.
func (p *HashedPromptProcessor) expand(text string) []float64 {
	out := make([]float64, p.dim)
	norm := 0.0
	for i := range out {
		h := fnv.New64a()
		h.Write([]byte(text))
		fmt.Fprintf(h, "#%d", i)
		// Map the hash to [-1, 1]
		out[i] = float64(int64(h.Sum64())) / math.MaxInt64
		norm += out[i] * out[i]
	}
	if norm > 0 {
		inv := 1 / math.Sqrt(norm)
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}
