package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)

// hashEmbedder is an offline feature-hashing embedder. Vectors are stable
// across processes, so it works for tests and air-gapped indexes.
type hashEmbedder struct {
	dims     int
	chargram bool
	modelID  string
}

func newHashEmbedder(dims int) *hashEmbedder {
	return &hashEmbedder{dims: dims, modelID: "hash/" + strconv.Itoa(dims)}
}

func newChargramEmbedder(dims int) *hashEmbedder {
	return &hashEmbedder{dims: dims, chargram: true, modelID: "chargram/" + strconv.Itoa(dims)}
}

func (e *hashEmbedder) ModelID() string { return e.modelID }

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if e.chargram {
			out[i] = e.chargramVector(text)
		} else {
			out[i] = e.tokenVector(text)
		}
	}
	return out, nil
}

func (e *hashEmbedder) tokenVector(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		sum := hash64(token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec
}

func (e *hashEmbedder) chargramVector(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(window); i++ {
		vec[int(hash64(string(window[i:i+3]))%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[int(hash64("tok:"+token)%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
