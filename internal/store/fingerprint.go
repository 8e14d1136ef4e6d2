package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/duroq/internal/job"
)

// Fingerprint computes the deterministic uniqueness hash: a digest
// over (worker, queue, a configurable subset of args, a configurable
// subset of meta).
func Fingerprint(p job.InsertParams) (string, error) {
	if p.Unique == nil {
		return "", nil
	}

	var argsMap map[string]any
	if len(p.Args) > 0 {
		if err := json.Unmarshal(p.Args, &argsMap); err != nil {
			return "", fmt.Errorf("store: fingerprint: decode args: %w", err)
		}
	}

	payload := struct {
		Worker string         `json:"worker,omitempty"`
		Queue  string         `json:"queue,omitempty"`
		Args   map[string]any `json:"args,omitempty"`
		Meta   map[string]any `json:"meta,omitempty"`
	}{
		Args: subsetSorted(argsMap, p.Unique.ByArgs),
		Meta: subsetSorted(p.Meta, p.Unique.ByMeta),
	}
	if !p.Unique.ExcludeWorker {
		payload.Worker = p.Worker
	}
	if p.Unique.ByQueue {
		payload.Queue = p.Queue
	}

	// encoding/json sorts map keys when marshaling, so this is already a
	// canonical byte encoding regardless of the original map iteration order.
	canon, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("store: fingerprint: encode: %w", err)
	}

	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// subsetSorted returns only the requested keys from m (all keys if keys
// is empty), so the fingerprint is independent of Go map iteration order.
func subsetSorted(m map[string]any, keys []string) map[string]any {
	if m == nil {
		return nil
	}
	if len(keys) == 0 {
		return m
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}
