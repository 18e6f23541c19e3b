package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLabelMapFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "label-map.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write label map: %v", err)
	}
	return path
}

func TestLabelMapResolve(t *testing.T) {
	path := writeLabelMapFile(t, `{"cola": "prod-77", "water": "prod-12", "broken": ""}`)

	lm, err := NewLabelMap(path, nil)
	if err != nil {
		t.Fatalf("failed to load label map: %v", err)
	}

	ref, ok := lm.Resolve("cola")
	if !ok || ref != "prod-77" {
		t.Errorf("expected prod-77, got %q (ok=%v)", ref, ok)
	}

	if _, ok := lm.Resolve("chips"); ok {
		t.Error("unmapped label should not resolve")
	}
	if _, ok := lm.Resolve("broken"); ok {
		t.Error("empty product ref should not resolve")
	}
}

func TestLabelMapReload(t *testing.T) {
	path := writeLabelMapFile(t, `{"cola": "prod-77"}`)

	lm, err := NewLabelMap(path, nil)
	if err != nil {
		t.Fatalf("failed to load label map: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"cola": "prod-77", "chips": "prod-90"}`), 0o644); err != nil {
		t.Fatalf("failed to rewrite label map: %v", err)
	}
	if err := lm.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if _, ok := lm.Resolve("chips"); !ok {
		t.Error("expected new label after reload")
	}
	if lm.Len() != 2 {
		t.Errorf("expected 2 labels, got %d", lm.Len())
	}
}

func TestLabelMapMissingFile(t *testing.T) {
	if _, err := NewLabelMap("/nonexistent/label-map.json", nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLabelMapInvalidJSON(t *testing.T) {
	path := writeLabelMapFile(t, `{"cola": `)
	if _, err := NewLabelMap(path, nil); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLabelMapReloadFailureKeepsOldTable(t *testing.T) {
	path := writeLabelMapFile(t, `{"cola": "prod-77"}`)

	lm, err := NewLabelMap(path, nil)
	if err != nil {
		t.Fatalf("failed to load label map: %v", err)
	}

	if err := os.WriteFile(path, []byte(`not json`), 0o644); err != nil {
		t.Fatalf("failed to corrupt label map: %v", err)
	}
	if err := lm.Reload(); err == nil {
		t.Fatal("expected reload error")
	}

	if _, ok := lm.Resolve("cola"); !ok {
		t.Error("failed reload should keep the previous table")
	}
}
