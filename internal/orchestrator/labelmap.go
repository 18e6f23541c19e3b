package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// LabelMap resolves vision labels to remote product references. The
// backing file is plain JSON ({"label": "product_ref"}) so store staff
// can edit it; Reload swaps the table in place without a restart.
type LabelMap struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]string
}

func NewLabelMap(path string, logger *zap.Logger) (*LabelMap, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	lm := &LabelMap{
		path:   path,
		logger: logger,
	}
	if err := lm.Reload(); err != nil {
		return nil, err
	}
	return lm, nil
}

func (lm *LabelMap) Reload() error {
	data, err := os.ReadFile(lm.path)
	if err != nil {
		return fmt.Errorf("failed to read label map: %w", err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse label map: %w", err)
	}

	lm.mu.Lock()
	lm.entries = entries
	lm.mu.Unlock()

	lm.logger.Info("label map loaded",
		zap.String("path", lm.path),
		zap.Int("labels", len(entries)))

	return nil
}

// Resolve returns the product reference for a label. Unmapped labels
// return ok=false; the caller logs and skips them.
func (lm *LabelMap) Resolve(label string) (string, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	ref, ok := lm.entries[label]
	if !ok || ref == "" {
		return "", false
	}
	return ref, true
}

func (lm *LabelMap) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.entries)
}
