package results

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

// FetchFlameGraphs loads the value-ordered (untimed) and time-ordered (timed) trees
// of every metric recorded for the thread and compresses them with threshold.
func (d *Dir) FetchFlameGraphs(ctx context.Context, pid, tid string, threshold float64) (analyzer.FlameGraphSet, error) {
	dirs, err := filepath.Glob(filepath.Join(d.path, "*", pid, tid))
	if err != nil {
		return nil, fmt.Errorf("failed to look up flame graphs of %s/%s: %w", pid, tid, err)
	}

	graphs := make(analyzer.FlameGraphSet, len(dirs))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		metric := filepath.Base(filepath.Dir(filepath.Dir(dir)))

		untimed := &analyzer.MetricTreeNode{}
		if err := loadUntimed(untimed, filepath.Join(dir, "untimed", "all")); err != nil {
			return nil, fmt.Errorf("metric %s of %s/%s: %w", metric, pid, tid, err)
		}
		timed := &analyzer.MetricTreeNode{}
		if err := loadTimed(timed, filepath.Join(dir, "timed", "all.dat")); err != nil {
			return nil, fmt.Errorf("metric %s of %s/%s: %w", metric, pid, tid, err)
		}

		sortChildrenByValue(untimed)
		analyzer.CompressFlameGraph(untimed, threshold, false)
		analyzer.CompressFlameGraph(timed, threshold, true)
		graphs[metric] = analyzer.FlameGraphPair{untimed, timed}
	}

	d.l.Debug("Loaded flame graphs",
		zap.String("pid", pid), zap.String("tid", tid),
		zap.Float64("threshold", threshold), zap.Int("metrics", len(graphs)))
	return graphs, nil
}

// applyMeta fills the values of node from a flame graph metadata file:
// hot_value, cold_value and per-offset hot_0x.../cold_0x... entries.
func applyMeta(node *analyzer.MetricTreeNode, path string, withName bool) error {
	var meta map[string]json.RawMessage
	if err := readJSON(path, &meta); err != nil {
		return err
	}

	node.Offsets = make(map[string]analyzer.OffsetValue)
	for k, raw := range meta {
		if k == "name" {
			if withName {
				if err := json.Unmarshal(raw, &node.Name); err != nil {
					return fmt.Errorf("invalid name in %s: %w", path, err)
				}
			}
			continue
		}

		var v float64
		if json.Unmarshal(raw, &v) != nil {
			continue
		}
		switch {
		case k == "hot_value":
			node.HotValue = v
		case k == "cold_value":
			node.ColdValue = v
		case strings.HasPrefix(k, "hot_0x"):
			off := node.Offsets[k[len("hot_"):]]
			off.HotValue += v
			node.Offsets[k[len("hot_"):]] = off
		case strings.HasPrefix(k, "cold_0x"):
			off := node.Offsets[k[len("cold_"):]]
			off.ColdValue += v
			node.Offsets[k[len("cold_"):]] = off
		}
	}
	node.Value = node.HotValue + node.ColdValue
	node.Children = []*analyzer.MetricTreeNode{}
	return nil
}

// loadUntimed reads a directory tree: every directory is a node named after itself.
func loadUntimed(node *analyzer.MetricTreeNode, dir string) error {
	node.Name = filepath.Base(dir)
	if err := applyMeta(node, filepath.Join(dir, dirMetaFile), false); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := &analyzer.MetricTreeNode{}
		if err := loadUntimed(child, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// loadTimed reads a .dat file listing the ids of the children in time order; the
// values of <id>.dat live in meta_<id>.json next to it.
func loadTimed(node *analyzer.MetricTreeNode, path string) error {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := applyMeta(node, filepath.Join(dir, "meta_"+stem+".json"), true); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for _, id := range ids {
		child := &analyzer.MetricTreeNode{}
		if err := loadTimed(child, filepath.Join(dir, id+".dat")); err != nil {
			return err
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// sortChildrenByValue recursively sorts the children of a node by value (descending).
func sortChildrenByValue(node *analyzer.MetricTreeNode) {
	if node == nil || len(node.Children) == 0 {
		return
	}
	sort.SliceStable(node.Children, func(i, j int) bool {
		return node.Children[i].Value > node.Children[j].Value
	})
	for _, child := range node.Children {
		sortChildrenByValue(child)
	}
}

////////////////////////////////////////////////////////////////////////////////

// FetchCallchains returns the symbol mappings of spawning call chains (under
// analyzer.SyscallKey) and of every metric.
func (d *Dir) FetchCallchains(ctx context.Context) (analyzer.CallchainMappings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mappings := make(analyzer.CallchainMappings)
	load := func(key, path string) error {
		if !exists(path) {
			return nil
		}
		var cm analyzer.CallchainMap
		if err := readJSON(path, &cm); err != nil {
			return err
		}
		mappings[key] = cm
		return nil
	}

	if err := load(analyzer.SyscallKey, filepath.Join(d.path, callchainsFile)); err != nil {
		return nil, err
	}
	for metric := range d.metrics {
		if err := load(metric, filepath.Join(d.path, metric, callchainsFile)); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}
