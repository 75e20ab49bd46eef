// Package ids implements the deterministic identifier service of
// spec.md §4.1: job ids are a hash of (job_type, canonicalized
// parameters); task ids are derived from (job_id, stage, index).
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

var indexTokenRE = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// JobID derives job_id = hex(SHA256(job_type || 0x00 || canonical_json(parameters))).
// Re-deriving the id for an identical (job_type, parameters) pair always
// yields the same 64-char hex string.
func JobID(jobType string, parameters map[string]any) (string, error) {
	canon, err := CanonicalizeParameters(parameters)
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0}) // separator so job_type+params never collides with a differently-split pair
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TaskID derives task_id = {job_id[:12]}-s{stage}-{index_token}.
// index_token must already be URL-safe ([A-Za-z0-9-]); callers that
// derive a token from arbitrary data must sanitize it before calling in,
// because a planner bug producing foreign characters should fail loud,
// not be silently normalized away.
func TaskID(jobID string, stage int, indexToken string) (string, error) {
	if len(jobID) < 12 {
		return "", fmt.Errorf("job_id too short: %q", jobID)
	}
	if stage < 1 {
		return "", fmt.Errorf("stage must be >= 1, got %d", stage)
	}
	if !indexTokenRE.MatchString(indexToken) {
		return "", fmt.Errorf("index token %q contains characters outside [A-Za-z0-9-]", indexToken)
	}
	return fmt.Sprintf("%s-s%d-%s", jobID[:12], stage, indexToken), nil
}

// CanonicalizeParameters produces a byte-stable JSON encoding of params:
// object keys are sorted recursively and numeric scalars are normalized
// to a fixed representation so that structurally-equal parameters
// (regardless of how they were decoded — json.Number, float64, int)
// always hash identically.
func CanonicalizeParameters(params map[string]any) ([]byte, error) {
	norm := normalize(params)
	return json.Marshal(norm)
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedObject, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{Key: k, Value: normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case float64:
		return normalizeNumber(t)
	case int:
		return normalizeNumber(float64(t))
	case int64:
		return normalizeNumber(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return normalizeNumber(f)
	default:
		return v
	}
}

// normalizeNumber collapses numeric representations to a canonical
// decimal string so 3, 3.0 and 3e0 all canonicalize identically.
func normalizeNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// kv/orderedObject give us a deterministic, order-preserving substitute
// for map[string]any so json.Marshal emits keys in sorted order (Go's
// encoding/json already sorts map[string]any keys, but we roll our own
// ordered representation so the sort is explicit and independent of
// stdlib behavior changes).
type kv struct {
	Key   string
	Value any
}

type orderedObject []kv

func (o orderedObject) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
