// Package security validates file paths supplied over the network.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// canonical resolves symlinks in p, or in its nearest existing ancestor
// when p itself does not exist yet.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory rejects filePath if, after resolving
// symlinks, it lies outside safeDir.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	path, err := canonical(filePath)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	dir, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// ValidateModelPath checks that a model path supplied at runtime names an
// .onnx file inside modelDir. Relative paths are taken relative to
// modelDir.
func ValidateModelPath(modelPath, modelDir string) (string, error) {
	if modelDir == "" {
		return "", fmt.Errorf("model changes are disabled: no model directory configured")
	}
	if !strings.EqualFold(filepath.Ext(modelPath), ".onnx") {
		return "", fmt.Errorf("model path %q must name an .onnx file", modelPath)
	}
	if !filepath.IsAbs(modelPath) {
		modelPath = filepath.Join(modelDir, modelPath)
	}
	if err := ValidatePathWithinDirectory(modelPath, modelDir); err != nil {
		return "", err
	}
	return modelPath, nil
}
