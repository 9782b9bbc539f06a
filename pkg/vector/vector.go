// Package vector holds the similarity math and encodings shared by the cache
// backends.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pario-ai/querycache/pkg/models"
)

// Cosine returns the cosine similarity of a and b clamped to [0,1].
// Mismatched lengths and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Encode packs v as little-endian float32s.
func Encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("decode vector: length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// Literal formats v as a pgvector text literal, e.g. "[0.1,0.2]".
func Literal(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ParseLiteral parses a pgvector text literal.
func ParseLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("parse vector literal: %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	v := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector literal: %w", err)
		}
		v[i] = float32(f)
	}
	return v, nil
}

// Better reports whether a ranks ahead of b for a lookup: higher score,
// then more hits, then newer.
func Better(a, b models.Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Entry.HitCount != b.Entry.HitCount {
		return a.Entry.HitCount > b.Entry.HitCount
	}
	return a.Entry.CreatedAt.After(b.Entry.CreatedAt)
}
