package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sightline/internal/vision"
)

// PipelineOptions holds the runtime knobs of the detection pipeline. The
// schema matches PATCH /api/options so the same JSON serves as startup
// configuration and as a runtime partial update. Nil fields are unset and
// fall back to defaults through the Get* accessors.
type PipelineOptions struct {
	// Detection params
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"` // 0..1
	MaxFPS              *float64 `json:"max_fps,omitempty"`
	Delegate            *string  `json:"delegate,omitempty"`        // "gpu" or "cpu"
	WarmupDuration      *string  `json:"warmup_duration,omitempty"` // duration string like "200ms"
	ModelPath           *string  `json:"model_path,omitempty"`

	// Tracker params
	IoUThreshold   *float64 `json:"iou_threshold,omitempty"`
	SmoothingAlpha *float64 `json:"smoothing_alpha,omitempty"`
	MaxTrackMisses *int     `json:"max_track_misses,omitempty"`
	Assignment     *string  `json:"assignment,omitempty"` // "greedy" or "optimal"

	// Label aliasing, lower-case raw name → display name. Replaces the
	// built-in table when set.
	LabelAliases map[string]string `json:"label_aliases,omitempty"`
}

const (
	defaultConfidenceThreshold = 0.25
	defaultMaxFPS              = 12.0
	defaultIoUThreshold        = 0.5
	defaultSmoothingAlpha      = 0.6
	defaultMaxTrackMisses      = 5
	defaultDelegate            = vision.DelegateGPU
	defaultWarmupDuration      = 200 * time.Millisecond
	defaultAssignment          = "greedy"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Float64 returns a pointer to v, for building partial updates.
func Float64(v float64) *float64 { return ptrFloat64(v) }

// Int returns a pointer to v.
func Int(v int) *int { return ptrInt(v) }

// String returns a pointer to v.
func String(v string) *string { return ptrString(v) }

// DefaultPipelineOptions returns options with every field populated.
func DefaultPipelineOptions() *PipelineOptions {
	return &PipelineOptions{
		ConfidenceThreshold: ptrFloat64(defaultConfidenceThreshold),
		MaxFPS:              ptrFloat64(defaultMaxFPS),
		Delegate:            ptrString(string(defaultDelegate)),
		WarmupDuration:      ptrString(defaultWarmupDuration.String()),
		ModelPath:           ptrString(""),
		IoUThreshold:        ptrFloat64(defaultIoUThreshold),
		SmoothingAlpha:      ptrFloat64(defaultSmoothingAlpha),
		MaxTrackMisses:      ptrInt(defaultMaxTrackMisses),
		Assignment:          ptrString(defaultAssignment),
	}
}

// LoadPipelineOptions loads options from a JSON file. The file must have a
// .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadPipelineOptions(path string) (*PipelineOptions, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	opts := &PipelineOptions{}
	if err := json.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return opts, nil
}

// Validate checks the fields that are set.
func (o *PipelineOptions) Validate() error {
	if o.ConfidenceThreshold != nil && (*o.ConfidenceThreshold < 0 || *o.ConfidenceThreshold > 1) {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", *o.ConfidenceThreshold)
	}
	if o.MaxFPS != nil && *o.MaxFPS <= 0 {
		return fmt.Errorf("max_fps must be positive, got %f", *o.MaxFPS)
	}
	if o.IoUThreshold != nil && (*o.IoUThreshold < 0 || *o.IoUThreshold > 1) {
		return fmt.Errorf("iou_threshold must be between 0 and 1, got %f", *o.IoUThreshold)
	}
	if o.SmoothingAlpha != nil && (*o.SmoothingAlpha <= 0 || *o.SmoothingAlpha > 1) {
		return fmt.Errorf("smoothing_alpha must be in (0, 1], got %f", *o.SmoothingAlpha)
	}
	if o.MaxTrackMisses != nil && *o.MaxTrackMisses < 0 {
		return fmt.Errorf("max_track_misses must be non-negative, got %d", *o.MaxTrackMisses)
	}
	if o.Delegate != nil && !vision.Delegate(*o.Delegate).Valid() {
		return fmt.Errorf("delegate must be %q or %q, got %q", vision.DelegateGPU, vision.DelegateCPU, *o.Delegate)
	}
	if o.WarmupDuration != nil && *o.WarmupDuration != "" {
		d, err := time.ParseDuration(*o.WarmupDuration)
		if err != nil {
			return fmt.Errorf("invalid warmup_duration '%s': %w", *o.WarmupDuration, err)
		}
		if d < 0 {
			return fmt.Errorf("warmup_duration must be non-negative, got %s", d)
		}
	}
	if o.Assignment != nil && *o.Assignment != "greedy" && *o.Assignment != "optimal" {
		return fmt.Errorf("assignment must be \"greedy\" or \"optimal\", got %q", *o.Assignment)
	}
	return nil
}

// Merge returns a copy of o with every non-nil field of partial applied.
// Neither input is modified.
func (o *PipelineOptions) Merge(partial *PipelineOptions) *PipelineOptions {
	out := o.Clone()
	if partial == nil {
		return out
	}
	if partial.ConfidenceThreshold != nil {
		out.ConfidenceThreshold = ptrFloat64(*partial.ConfidenceThreshold)
	}
	if partial.MaxFPS != nil {
		out.MaxFPS = ptrFloat64(*partial.MaxFPS)
	}
	if partial.Delegate != nil {
		out.Delegate = ptrString(*partial.Delegate)
	}
	if partial.WarmupDuration != nil {
		out.WarmupDuration = ptrString(*partial.WarmupDuration)
	}
	if partial.ModelPath != nil {
		out.ModelPath = ptrString(*partial.ModelPath)
	}
	if partial.IoUThreshold != nil {
		out.IoUThreshold = ptrFloat64(*partial.IoUThreshold)
	}
	if partial.SmoothingAlpha != nil {
		out.SmoothingAlpha = ptrFloat64(*partial.SmoothingAlpha)
	}
	if partial.MaxTrackMisses != nil {
		out.MaxTrackMisses = ptrInt(*partial.MaxTrackMisses)
	}
	if partial.Assignment != nil {
		out.Assignment = ptrString(*partial.Assignment)
	}
	if partial.LabelAliases != nil {
		out.LabelAliases = copyAliases(partial.LabelAliases)
	}
	return out
}

// Clone returns a deep copy. A nil receiver yields empty options.
func (o *PipelineOptions) Clone() *PipelineOptions {
	if o == nil {
		return &PipelineOptions{}
	}
	out := &PipelineOptions{}
	if o.ConfidenceThreshold != nil {
		out.ConfidenceThreshold = ptrFloat64(*o.ConfidenceThreshold)
	}
	if o.MaxFPS != nil {
		out.MaxFPS = ptrFloat64(*o.MaxFPS)
	}
	if o.Delegate != nil {
		out.Delegate = ptrString(*o.Delegate)
	}
	if o.WarmupDuration != nil {
		out.WarmupDuration = ptrString(*o.WarmupDuration)
	}
	if o.ModelPath != nil {
		out.ModelPath = ptrString(*o.ModelPath)
	}
	if o.IoUThreshold != nil {
		out.IoUThreshold = ptrFloat64(*o.IoUThreshold)
	}
	if o.SmoothingAlpha != nil {
		out.SmoothingAlpha = ptrFloat64(*o.SmoothingAlpha)
	}
	if o.MaxTrackMisses != nil {
		out.MaxTrackMisses = ptrInt(*o.MaxTrackMisses)
	}
	if o.Assignment != nil {
		out.Assignment = ptrString(*o.Assignment)
	}
	if o.LabelAliases != nil {
		out.LabelAliases = copyAliases(o.LabelAliases)
	}
	return out
}

func copyAliases(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetConfidenceThreshold returns the confidence_threshold value or the default.
func (o *PipelineOptions) GetConfidenceThreshold() float64 {
	if o.ConfidenceThreshold == nil {
		return defaultConfidenceThreshold
	}
	return *o.ConfidenceThreshold
}

// GetMaxFPS returns the max_fps value or the default.
func (o *PipelineOptions) GetMaxFPS() float64 {
	if o.MaxFPS == nil {
		return defaultMaxFPS
	}
	return *o.MaxFPS
}

// GetDelegate returns the preferred delegate or the default.
func (o *PipelineOptions) GetDelegate() vision.Delegate {
	if o.Delegate == nil || *o.Delegate == "" {
		return defaultDelegate
	}
	return vision.Delegate(*o.Delegate)
}

// GetWarmupDuration parses and returns WarmupDuration.
func (o *PipelineOptions) GetWarmupDuration() time.Duration {
	if o.WarmupDuration == nil || *o.WarmupDuration == "" {
		return defaultWarmupDuration
	}
	d, err := time.ParseDuration(*o.WarmupDuration)
	if err != nil {
		return defaultWarmupDuration // default on parse error
	}
	return d
}

// GetModelPath returns the model path, empty if unset.
func (o *PipelineOptions) GetModelPath() string {
	if o.ModelPath == nil {
		return ""
	}
	return *o.ModelPath
}

// GetIoUThreshold returns the iou_threshold value or the default.
func (o *PipelineOptions) GetIoUThreshold() float64 {
	if o.IoUThreshold == nil {
		return defaultIoUThreshold
	}
	return *o.IoUThreshold
}

// GetSmoothingAlpha returns the smoothing_alpha value or the default.
func (o *PipelineOptions) GetSmoothingAlpha() float64 {
	if o.SmoothingAlpha == nil {
		return defaultSmoothingAlpha
	}
	return *o.SmoothingAlpha
}

// GetMaxTrackMisses returns the max_track_misses value or the default.
func (o *PipelineOptions) GetMaxTrackMisses() int {
	if o.MaxTrackMisses == nil {
		return defaultMaxTrackMisses
	}
	return *o.MaxTrackMisses
}

// GetAssignment returns the assignment strategy name or the default.
func (o *PipelineOptions) GetAssignment() string {
	if o.Assignment == nil || *o.Assignment == "" {
		return defaultAssignment
	}
	return *o.Assignment
}
