// Package fingerprint derives stable identities for dispatch requests so
// that semantically identical submissions map to the same job row.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Compute hashes (jobType, payload, pipelineVersion) into a hex digest.
// The payload is canonicalized first: map keys sorted recursively, compact
// separators, numbers rendered without exponent noise. Two payloads that
// differ only in key order or formatting produce the same fingerprint.
// The pipeline version is part of the hash input so bumping it forces
// reprocessing instead of returning stale results.
func Compute(jobType string, payload map[string]any, pipelineVersion string) string {
	var b strings.Builder
	b.WriteString(jobType)
	b.WriteByte('\n')
	b.WriteString(pipelineVersion)
	b.WriteByte('\n')
	writeCanonical(&b, payload)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeCanonical renders a JSON-like value deterministically. It accepts the
// value shapes produced by encoding/json unmarshaling into any (maps, slices,
// strings, float64, bool, nil) plus native Go ints for convenience.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		b.WriteString(strconv.Quote(val))
	case float64:
		writeNumber(b, val)
	case float32:
		writeNumber(b, float64(val))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		// Unusual payload types still hash deterministically via %v.
		fmt.Fprintf(b, "%v", val)
	}
}

// writeNumber renders integral floats as integers so that 42 and 42.0 are the
// same logical value, which is how JSON round-trips them anyway.
func writeNumber(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
