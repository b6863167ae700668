package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

// writeProfileFile exports a metric tree as a gzipped pprof profile in dir so that
// 'go tool pprof' can render it. The returned cleanup removes the file.
func writeProfileFile(l *zap.Logger, dir, metric string, desc analyzer.MetricDescriptor,
	root *analyzer.MetricTreeNode, callchains analyzer.CallchainMap) (filePath string, cleanup func(), err error) {
	cleanup = func() {}

	prof, err := analyzer.MetricTreeToProfile(root, callchains, metric, desc.Unit)
	if err != nil {
		return "", nil, fmt.Errorf("failed to convert metric %s to a pprof profile: %w", metric, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create profile directory '%s': %w", dir, err)
	}
	filePath = filepath.Join(dir, "perftimeline-"+uuid.NewString()+".pb.gz")

	f, err := os.Create(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create profile file '%s': %w", filePath, err)
	}

	cleanup = func() {
		l.Debug("Cleaning up profile file", zap.String("path", filePath))
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			l.Warn("Failed to remove profile file", zap.String("path", filePath), zap.Error(err))
		}
	}

	err = prof.Write(f)
	closeErr := f.Close()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write profile file '%s': %w", filePath, err)
	}
	if closeErr != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close profile file '%s': %w", filePath, closeErr)
	}

	l.Debug("Exported metric tree", zap.String("metric", metric), zap.String("path", filePath),
		zap.Int("samples", len(prof.Sample)))
	return filePath, cleanup, nil
}
