package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider produces bag-of-words embeddings by feature hashing. It needs
// no model or corpus, so it serves as the offline fallback and as a
// deterministic provider in tests.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hashing provider with the given dimension.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

func (h *HashProvider) Model() string   { return "hash" }
func (h *HashProvider) Dimensions() int { return h.dims }

// Embed hashes each token into a bucket with a sign bit and L2-normalizes.
func (h *HashProvider) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(stem(tok)))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec, nil
}

// tokenize splits text into lowercase tokens, stripping punctuation.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			if current.Len() > 1 { // skip single-char tokens
				tokens = append(tokens, current.String())
			}
			current.Reset()
		}
	}
	if current.Len() > 1 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// stem strips a few common English suffixes so "calls" and "call" share a
// bucket. It is deliberately crude.
func stem(tok string) string {
	for _, suffix := range []string{"ences", "ence", "ings", "ing", "s"} {
		if len(tok) > len(suffix)+2 && strings.HasSuffix(tok, suffix) {
			return tok[:len(tok)-len(suffix)]
		}
	}
	return tok
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
