// Package results reads a profiling results directory written by the profiler and
// serves the same documents as a results server.
//
// Layout of one analysis target:
//
//	<storage>/<session>/system/<entity>/<node>/
//	    threads.json              thread/process tree and spawning call chains
//	    callchains.json           symbol mappings of spawning call chains
//	    sources.json              executable offsets -> source lines
//	    src_index.json            source paths -> names inside src.zip
//	    src.zip                   source files (may also live one level up)
//	    roofline.csv              cache-aware roofline benchmark
//	    walltime/<pid>/<tid>/     offcpu.dat, dirmeta.json (sampled_period)
//	    <metric>/dirmeta.json     metric title
//	    <metric>/callchains.json  symbol mappings of the metric
//	    <metric>/<pid>/<tid>/     untimed/ and timed/ flame graph trees
package results

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

const (
	threadsFile    = "threads.json"
	callchainsFile = "callchains.json"
	dirMetaFile    = "dirmeta.json"
	sourcesFile    = "sources.json"
	srcIndexFile   = "src_index.json"
	srcZipFile     = "src.zip"
	zipIndexFile   = "index.json"
	rooflineFile   = "roofline.csv"
)

var (
	ErrNodeNotFound  = errors.New("node does not exist")
	ErrAmbiguousNode = errors.New("more than one node with the same id")
)

const RooflineAnalysis = analyzer.RooflineAnalysis

var carmTitle = regexp.MustCompile(`^CARM_(\S+)_(\S+)$`)

var rooflineKeySets = map[string]analyzer.RooflineInfo{
	"INTEL": {
		CPUType: analyzer.CPUIntelX86,
		AIKeys:  []string{"mem_inst_retired.any"},
		InstrKeys: []string{
			"fp_arith_inst_retired.scalar_single",
			"fp_arith_inst_retired.scalar_double",
			"fp_arith_inst_retired.128b_packed_single",
			"fp_arith_inst_retired.128b_packed_double",
			"fp_arith_inst_retired.256b_packed_single",
			"fp_arith_inst_retired.256b_packed_double",
			"fp_arith_inst_retired.512b_packed_single",
			"fp_arith_inst_retired.512b_packed_double",
		},
	},
	"AMD": {
		CPUType: analyzer.CPUAMDX86,
		AIKeys: []string{
			"ls_dispatch:ld_dispatch",
			"ls_dispatch:store_dispatch",
		},
		InstrKeys: []string{
			"retired_sse_avx_operations:sp_mult_add_flops",
			"retired_sse_avx_operations:dp_mult_add_flops",
			"retired_sse_avx_operations:sp_add_sub_flops",
			"retired_sse_avx_operations:dp_add_sub_flops",
			"retired_sse_avx_operations:sp_mult_flops",
			"retired_sse_avx_operations:dp_mult_flops",
			"retired_sse_avx_operations:sp_div_flops",
			"retired_sse_avx_operations:dp_div_flops",
		},
	},
}

////////////////////////////////////////////////////////////////////////////////

// Dir is an opened analysis target inside a results directory.
type Dir struct {
	path    string
	l       *zap.Logger
	threads threadsDocument

	metrics        map[string]analyzer.MetricDescriptor
	generalMetrics map[string]analyzer.GeneralMetric
	roofline       analyzer.RooflineInfo
	sources        analyzer.SourceMap
	srcIndex       map[string]string
	srcZip         string
}

type Option func(d *Dir)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dir) {
		d.l = logger.Named("results")
	}
}

// Open locates node inside session of storage and loads its metadata.
func Open(storage, session, node string, opts ...Option) (*Dir, error) {
	matches, err := filepath.Glob(filepath.Join(storage, session, "system", "*", node))
	if err != nil {
		return nil, fmt.Errorf("failed to look up node %s: %w", node, err)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s/%s", ErrNodeNotFound, session, node)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrAmbiguousNode, session, node)
	}

	d := &Dir{
		path:           matches[0],
		l:              zap.NewNop(),
		metrics:        make(map[string]analyzer.MetricDescriptor),
		generalMetrics: make(map[string]analyzer.GeneralMetric),
		sources:        make(analyzer.SourceMap),
		srcIndex:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := readJSON(filepath.Join(d.path, threadsFile), &d.threads); err != nil {
		return nil, err
	}
	if err := d.loadMetrics(); err != nil {
		return nil, err
	}
	if exists(filepath.Join(d.path, rooflineFile)) {
		d.generalMetrics[RooflineAnalysis] = analyzer.GeneralMetric{Title: "Cache-aware roofline model"}
	}
	if err := d.loadSources(); err != nil {
		return nil, err
	}

	d.l.Debug("Opened results directory",
		zap.String("path", d.path),
		zap.Int("metrics", len(d.metrics)),
		zap.String("cpu_type", string(d.roofline.CPUType)),
	)
	return d, nil
}

// Path returns the directory of the analysis target.
func (d *Dir) Path() string {
	return d.path
}

////////////////////////////////////////////////////////////////////////////////

type metricMeta struct {
	Title string `json:"title"`
	Unit  string `json:"unit"`
}

func (d *Dir) loadMetrics() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", d.path, err)
	}

	// os.ReadDir sorts by name, so the roofline key set is picked deterministically.
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(d.path, e.Name(), dirMetaFile)
		if !exists(metaPath) {
			continue
		}

		var meta metricMeta
		if err := readJSON(metaPath, &meta); err != nil {
			return err
		}
		d.metrics[e.Name()] = analyzer.MetricDescriptor{Title: meta.Title, FlameGraph: true, Unit: meta.Unit}

		if !d.roofline.IsZero() {
			continue
		}
		if m := carmTitle.FindStringSubmatch(meta.Title); m != nil {
			if info, ok := rooflineKeySets[m[1]]; ok {
				d.roofline = info
			}
		}
	}
	return nil
}

func (d *Dir) loadSources() error {
	if p := filepath.Join(d.path, sourcesFile); exists(p) {
		if err := readJSON(p, &d.sources); err != nil {
			return err
		}
	}

	for _, p := range []string{filepath.Join(d.path, srcZipFile), filepath.Join(filepath.Dir(d.path), srcZipFile)} {
		if exists(p) {
			d.srcZip = p
			break
		}
	}
	if d.srcZip == "" {
		return nil
	}

	if p := filepath.Join(d.path, srcIndexFile); exists(p) {
		return readJSON(p, &d.srcIndex)
	}

	zr, err := zip.OpenReader(d.srcZip)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.srcZip, err)
	}
	defer zr.Close()

	f, err := zr.Open(zipIndexFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to open %s in %s: %w", zipIndexFile, d.srcZip, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&d.srcIndex); err != nil {
		return fmt.Errorf("failed to decode %s in %s: %w", zipIndexFile, d.srcZip, err)
	}
	return nil
}

// Metrics returns the sorted keys of the flame graph metrics of the target.
func (d *Dir) Metrics() []string {
	keys := make([]string, 0, len(d.metrics))
	for k := range d.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Roofline returns the roofline key set detected from the metric titles.
func (d *Dir) Roofline() analyzer.RooflineInfo {
	return d.roofline
}

////////////////////////////////////////////////////////////////////////////////

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
