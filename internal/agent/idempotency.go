package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jbweber/sma/internal/device"
)

type keyEntry struct {
	handle      string
	fingerprint string
}

// keyTable maps idempotency keys to the handle they created.
type keyTable struct {
	mu      sync.Mutex
	entries map[string]keyEntry
}

func newKeyTable() *keyTable {
	return &keyTable{entries: make(map[string]keyEntry)}
}

func (t *keyTable) lookup(key string) (keyEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

func (t *keyTable) put(key, handle, fingerprint string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = keyEntry{handle: handle, fingerprint: fingerprint}
}

// forget drops key if it still points at handle.
func (t *keyTable) forget(key, handle string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.handle == handle {
		delete(t.entries, key)
	}
}

// fingerprint identifies a create request. Map keys are encoded sorted and
// numbers in their shortest form, so equal requests from different decoders
// produce the same value.
func fingerprint(kind device.Kind, params device.Params) (string, error) {
	data, err := json.Marshal(struct {
		Kind   device.Kind   `json:"kind"`
		Params device.Params `json:"params"`
	}{kind, params})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
