package results

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

const rooflineColumns = 21

var (
	// First header: "Name:", <name>, "L1 Size:", <bytes>, "L2 Size:", <bytes>,
	// "L3 Size:", <bytes>, <unused>, then the column group names.
	rooflineFirstHeaderGroups = []string{"L1", "L1", "L2", "L2", "L3", "L3", "DRAM", "DRAM", "FP", "FP", "FP FMA", "FP_FMA"}
	rooflineSecondHeader      = []string{
		"Date", "ISA", "Precision", "Threads", "Loads", "Stores", "Interleaved", "DRAM Bytes",
		"FP Inst.", "GB/s", "I/Cycle", "GB/s", "I/Cycle", "GB/s", "I/Cycle", "GB/s",
		"I/Cycle", "Gflop/s", "I/Cycle", "Gflop/s", "I/Cycle",
	}
)

var ErrInvalidRooflineCSV = errors.New("invalid roofline benchmark file")

// FetchGeneralAnalysis returns the named cross-cutting analysis as JSON.
// Only the cache-aware roofline model is known.
func (d *Dir) FetchGeneralAnalysis(ctx context.Context, name string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name != RooflineAnalysis {
		return nil, fmt.Errorf("%w: unknown general analysis %q", analyzer.ErrNotFound, name)
	}

	f, err := os.Open(filepath.Join(d.path, rooflineFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no %s in %s", analyzer.ErrNotFound, rooflineFile, d.path)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	model, err := ParseRooflineCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", analyzer.ErrNotFound, err)
	}
	return json.Marshal(model)
}

// ParseRooflineCSV parses a cache-aware roofline benchmark: two header rows followed
// by one row of 21 columns per measured model. Rows of a different width are skipped.
func ParseRooflineCSV(r io.Reader) (*analyzer.RooflineModel, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	first, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRooflineCSV, err)
	}
	if len(first) != rooflineColumns ||
		first[0] != "Name:" || first[2] != "L1 Size:" || first[4] != "L2 Size:" || first[6] != "L3 Size:" ||
		!slices.Equal(first[9:], rooflineFirstHeaderGroups) {
		return nil, fmt.Errorf("%w: unexpected first header", ErrInvalidRooflineCSV)
	}

	second, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRooflineCSV, err)
	}
	if !slices.Equal(second, rooflineSecondHeader) {
		return nil, fmt.Errorf("%w: unexpected second header", ErrInvalidRooflineCSV)
	}

	model := &analyzer.RooflineModel{Type: RooflineAnalysis, Models: []analyzer.PerformanceModel{}}
	for i, dst := range []*analyzer.Number{&model.L1, &model.L2, &model.L3} {
		v, err := strconv.ParseInt(first[3+2*i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cache size %q: %w", ErrInvalidRooflineCSV, first[3+2*i], err)
		}
		*dst = analyzer.Number(v)
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRooflineCSV, err)
		}
		if len(row) != rooflineColumns {
			continue
		}
		model.Models = append(model.Models, analyzer.PerformanceModel{
			ISA:         row[1],
			Precision:   row[2],
			Threads:     number(row[3]),
			Loads:       number(row[4]),
			Stores:      number(row[5]),
			Interleaved: row[6],
			DRAMBytes:   number(row[7]),
			FPInst:      row[8],
			L1:          analyzer.Bandwidth{GBps: number(row[9]), InstPC: number(row[10])},
			L2:          analyzer.Bandwidth{GBps: number(row[11]), InstPC: number(row[12])},
			L3:          analyzer.Bandwidth{GBps: number(row[13]), InstPC: number(row[14])},
			DRAM:        analyzer.Bandwidth{GBps: number(row[15]), InstPC: number(row[16])},
			FP:          analyzer.Throughput{GFlops: number(row[17]), InstPC: number(row[18])},
			FPFMA:       analyzer.Throughput{GFlops: number(row[19]), InstPC: number(row[20])},
		})
	}
	return model, nil
}

// number parses a benchmark cell; empty or non-numeric cells read as 0.
func number(s string) analyzer.Number {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return analyzer.Number(v)
}

////////////////////////////////////////////////////////////////////////////////

// FetchSource returns the source file stored under name in src.zip. Names come
// from the src_index of the trace tree.
func (d *Dir) FetchSource(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.srcZip == "" {
		return "", fmt.Errorf("%w: no sources archive in %s", analyzer.ErrNotFound, d.path)
	}

	zr, err := zip.OpenReader(d.srcZip)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", d.srcZip, err)
	}
	defer zr.Close()

	f, err := zr.Open(name)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		return "", fmt.Errorf("%w: source %q", analyzer.ErrNotFound, name)
	} else if err != nil {
		return "", fmt.Errorf("failed to open %s in %s: %w", name, d.srcZip, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s in %s: %w", name, d.srcZip, err)
	}
	return string(data), nil
}
