package results

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

const nsPerMs = 1e6

var errMalformedOffCPU = errors.New("malformed off-CPU intervals")

// threadsDocument is threads.json. The tree is stored either as
// [[id, ...], {id: entry}] (ids in spawn order) or as a list of entries carrying
// their own identifier.
type threadsDocument struct {
	SpawningCallchains map[string][]analyzer.CallchainFrame `json:"spawning_callchains"`
	Tree               json.RawMessage                      `json:"tree"`
}

type threadEntry struct {
	Identifier string          `json:"identifier"`
	Tag        threadTag       `json:"tag"`
	Parent     *string         `json:"parent"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// threadTag is [name, "pid/tid", start_ns, runtime_ns or -1].
type threadTag struct {
	Name      string
	PidTid    string
	StartNs   float64
	RuntimeNs float64
}

func (t *threadTag) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("expected 4 elements in thread tag, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.Name); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &t.PidTid); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &t.StartNs); err != nil {
		return err
	}
	return json.Unmarshal(raw[3], &t.RuntimeNs)
}

func (doc *threadsDocument) entries() ([]threadEntry, error) {
	if len(doc.Tree) == 0 || string(doc.Tree) == "null" {
		return nil, nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(doc.Tree, &pair); err != nil {
		return nil, fmt.Errorf("invalid thread tree: %w", err)
	}

	var order []string
	if len(pair) == 2 && json.Unmarshal(pair[0], &order) == nil {
		var byID map[string]threadEntry
		if err := json.Unmarshal(pair[1], &byID); err != nil {
			return nil, fmt.Errorf("invalid thread tree: %w", err)
		}
		entries := make([]threadEntry, 0, len(order))
		for _, id := range order {
			e, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("invalid thread tree: no entry for %s", id)
			}
			e.Identifier = id
			entries = append(entries, e)
		}
		return entries, nil
	}

	var entries []threadEntry
	if err := json.Unmarshal(doc.Tree, &entries); err != nil {
		return nil, fmt.Errorf("invalid thread tree: %w", err)
	}
	return entries, nil
}

////////////////////////////////////////////////////////////////////////////////

// FetchTraceTree builds the trace tree document of the target.
func (d *Dir) FetchTraceTree(ctx context.Context) (*analyzer.TraceNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := d.threads.entries()
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*analyzer.TraceNode, len(entries))
	var root *analyzer.TraceNode
	for _, e := range entries {
		n, err := d.traceNode(e)
		if err != nil {
			return nil, err
		}
		nodes[e.Identifier] = n

		if e.Parent == nil {
			if root == nil {
				root = n
			}
			continue
		}
		parent, ok := nodes[*e.Parent]
		if !ok {
			return nil, fmt.Errorf("invalid thread tree: parent %s of %s is unknown", *e.Parent, e.Identifier)
		}
		parent.Children = append(parent.Children, n)
	}

	if root == nil {
		return nil, fmt.Errorf("%w: empty thread tree in %s", analyzer.ErrNotFound, d.path)
	}

	root.GeneralMetrics = d.generalMetrics
	root.Src = d.sources
	root.SrcIndex = d.srcIndex
	if !d.roofline.IsZero() {
		info := d.roofline
		root.Roofline = &info
	}
	return root, nil
}

func (d *Dir) traceNode(e threadEntry) (*analyzer.TraceNode, error) {
	pid, tid, ok := strings.Cut(e.Tag.PidTid, "/")
	if !ok {
		return nil, fmt.Errorf("invalid thread tree: bad pid/tid %q", e.Tag.PidTid)
	}

	runtime := e.Tag.RuntimeNs
	if runtime != -1 {
		runtime /= nsPerMs
	}

	threadDir := filepath.Join(d.path, analyzer.WalltimeKey, pid, tid)
	offCPU, err := readOffCPU(filepath.Join(threadDir, "offcpu.dat"))
	if errors.Is(err, errMalformedOffCPU) {
		d.l.Warn("Ignoring off-CPU intervals", zap.String("thread", e.Tag.PidTid), zap.Error(err))
		offCPU = analyzer.OffCPUIntervals{}
	} else if err != nil {
		return nil, err
	}

	sampled := runtime
	if p := filepath.Join(threadDir, dirMetaFile); exists(p) {
		var meta struct {
			SampledPeriod *float64 `json:"sampled_period"`
		}
		if err := readJSON(p, &meta); err != nil {
			return nil, err
		}
		if meta.SampledPeriod != nil {
			sampled = *meta.SampledPeriod / nsPerMs
		}
	}

	callchain := d.threads.SpawningCallchains[tid]
	if callchain == nil {
		callchain = []analyzer.CallchainFrame{}
	}

	return &analyzer.TraceNode{
		ID:             strings.ReplaceAll(e.Tag.PidTid, "/", "_"),
		Name:           e.Tag.Name,
		PidTid:         e.Tag.PidTid,
		StartTime:      e.Tag.StartNs / nsPerMs,
		Runtime:        runtime,
		SampledTime:    sampled,
		OffCPU:         offCPU,
		StartCallchain: callchain,
		Metrics:        d.metrics,
		Children:       []*analyzer.TraceNode{},
	}, nil
}

// readOffCPU parses "<start_ns> <duration_ns>" lines. Unparseable content is reported
// as errMalformedOffCPU.
func readOffCPU(path string) (analyzer.OffCPUIntervals, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return analyzer.OffCPUIntervals{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	intervals := analyzer.OffCPUIntervals{}
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: %s:%d: expected 2 fields, got %d", errMalformedOffCPU, path, line, len(fields))
		}
		start, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", errMalformedOffCPU, path, line, err)
		}
		duration, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", errMalformedOffCPU, path, line, err)
		}
		intervals = append(intervals, analyzer.OffCPUInterval{
			Start:    float64(start) / nsPerMs,
			Duration: float64(duration) / nsPerMs,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return intervals, nil
}
