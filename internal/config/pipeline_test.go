package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/sightline/internal/vision"
)

func TestDefaultPipelineOptions(t *testing.T) {
	opts := DefaultPipelineOptions()

	if opts.ConfidenceThreshold == nil || *opts.ConfidenceThreshold != 0.25 {
		t.Errorf("Expected ConfidenceThreshold 0.25, got %v", opts.ConfidenceThreshold)
	}
	if opts.WarmupDuration == nil || *opts.WarmupDuration != "200ms" {
		t.Errorf("Expected WarmupDuration '200ms', got %v", opts.WarmupDuration)
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}

	if opts.GetMaxFPS() != 12 {
		t.Errorf("GetMaxFPS() = %v, want 12", opts.GetMaxFPS())
	}
	if opts.GetIoUThreshold() != 0.5 {
		t.Errorf("GetIoUThreshold() = %v, want 0.5", opts.GetIoUThreshold())
	}
	if opts.GetSmoothingAlpha() != 0.6 {
		t.Errorf("GetSmoothingAlpha() = %v, want 0.6", opts.GetSmoothingAlpha())
	}
	if opts.GetMaxTrackMisses() != 5 {
		t.Errorf("GetMaxTrackMisses() = %d, want 5", opts.GetMaxTrackMisses())
	}
	if opts.GetDelegate() != vision.DelegateGPU {
		t.Errorf("GetDelegate() = %q, want gpu", opts.GetDelegate())
	}
	if opts.GetAssignment() != "greedy" {
		t.Errorf("GetAssignment() = %q, want greedy", opts.GetAssignment())
	}
}

func TestEmptyOptionsUseDefaults(t *testing.T) {
	opts := &PipelineOptions{}
	if opts.GetConfidenceThreshold() != 0.25 {
		t.Errorf("GetConfidenceThreshold() = %v", opts.GetConfidenceThreshold())
	}
	if opts.GetWarmupDuration() != 200*time.Millisecond {
		t.Errorf("GetWarmupDuration() = %v", opts.GetWarmupDuration())
	}
	if opts.GetModelPath() != "" {
		t.Errorf("GetModelPath() = %q", opts.GetModelPath())
	}
	bad := &PipelineOptions{WarmupDuration: String("soon")}
	if bad.GetWarmupDuration() != 200*time.Millisecond {
		t.Errorf("unparseable duration should fall back to default")
	}
}

func TestLoadPipelineOptions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pipeline.json")
	testJSON := `{
  "confidence_threshold": 0.4,
  "max_fps": 8,
  "delegate": "cpu",
  "assignment": "optimal",
  "label_aliases": {"motorbike": "motorcycle"}
}`
	if err := os.WriteFile(path, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	opts, err := LoadPipelineOptions(path)
	if err != nil {
		t.Fatalf("LoadPipelineOptions failed: %v", err)
	}
	if opts.GetConfidenceThreshold() != 0.4 {
		t.Errorf("GetConfidenceThreshold() = %v, want 0.4", opts.GetConfidenceThreshold())
	}
	if opts.GetMaxFPS() != 8 {
		t.Errorf("GetMaxFPS() = %v, want 8", opts.GetMaxFPS())
	}
	if opts.GetDelegate() != vision.DelegateCPU {
		t.Errorf("GetDelegate() = %q, want cpu", opts.GetDelegate())
	}
	if opts.GetAssignment() != "optimal" {
		t.Errorf("GetAssignment() = %q", opts.GetAssignment())
	}
	if opts.LabelAliases["motorbike"] != "motorcycle" {
		t.Errorf("LabelAliases = %v", opts.LabelAliases)
	}
	// Unset fields keep defaults.
	if opts.GetIoUThreshold() != 0.5 {
		t.Errorf("GetIoUThreshold() = %v, want default", opts.GetIoUThreshold())
	}
}

func TestLoadPipelineOptions_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"wrong extension", "opts.yaml", "{}", ".json extension"},
		{"bad json", "bad.json", "{", "failed to parse"},
		{"invalid value", "invalid.json", `{"max_fps": 0}`, "max_fps"},
		{"unknown delegate", "delegate.json", `{"delegate": "tpu"}`, "delegate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadPipelineOptions(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadPipelineOptions(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	big := filepath.Join(tmpDir, "big.json")
	if err := os.WriteFile(big, make([]byte, 2*1024*1024), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPipelineOptions(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("oversized file: err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		opts PipelineOptions
		ok   bool
	}{
		{"empty", PipelineOptions{}, true},
		{"threshold high", PipelineOptions{ConfidenceThreshold: Float64(1.5)}, false},
		{"threshold edge", PipelineOptions{ConfidenceThreshold: Float64(1)}, true},
		{"iou negative", PipelineOptions{IoUThreshold: Float64(-0.1)}, false},
		{"alpha zero", PipelineOptions{SmoothingAlpha: Float64(0)}, false},
		{"alpha one", PipelineOptions{SmoothingAlpha: Float64(1)}, true},
		{"misses negative", PipelineOptions{MaxTrackMisses: Int(-1)}, false},
		{"misses zero", PipelineOptions{MaxTrackMisses: Int(0)}, true},
		{"warmup negative", PipelineOptions{WarmupDuration: String("-1s")}, false},
		{"warmup zero", PipelineOptions{WarmupDuration: String("0s")}, true},
		{"warmup garbage", PipelineOptions{WarmupDuration: String("later")}, false},
		{"assignment unknown", PipelineOptions{Assignment: String("auction")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, ok want %v", err, tt.ok)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := DefaultPipelineOptions()
	partial := &PipelineOptions{
		ConfidenceThreshold: Float64(0.7),
		Delegate:            String("cpu"),
		LabelAliases:        map[string]string{"sofa": "couch"},
	}
	merged := base.Merge(partial)

	if merged.GetConfidenceThreshold() != 0.7 {
		t.Errorf("threshold = %v", merged.GetConfidenceThreshold())
	}
	if merged.GetDelegate() != vision.DelegateCPU {
		t.Errorf("delegate = %q", merged.GetDelegate())
	}
	if merged.GetMaxFPS() != 12 {
		t.Errorf("unset field overwritten: max_fps = %v", merged.GetMaxFPS())
	}

	// Inputs untouched and not aliased.
	if base.GetConfidenceThreshold() != 0.25 {
		t.Errorf("base mutated")
	}
	*merged.MaxFPS = 1
	if base.GetMaxFPS() != 12 {
		t.Errorf("merge result shares pointers with base")
	}
	partial.LabelAliases["sofa"] = "settee"
	if merged.LabelAliases["sofa"] != "couch" {
		t.Errorf("merge result shares alias map with partial")
	}

	if got := base.Merge(nil); got.GetConfidenceThreshold() != 0.25 {
		t.Errorf("Merge(nil) = %+v", got)
	}
}

func TestPartialJSONRoundTrip(t *testing.T) {
	var partial PipelineOptions
	if err := json.Unmarshal([]byte(`{"iou_threshold": 0.3}`), &partial); err != nil {
		t.Fatal(err)
	}
	if partial.IoUThreshold == nil || partial.ConfidenceThreshold != nil {
		t.Fatalf("partial = %+v", partial)
	}
	data, err := json.Marshal(&partial)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"iou_threshold":0.3}` {
		t.Errorf("marshal = %s", data)
	}
}
