// Package analyzer turns trace trees and metric trees into timelines, flame graph
// summaries and roofline points.
package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// --- Backend documents ---

// Target identifies one analysis target (a profiled node of a session) on a backend.
type Target struct {
	Session string `json:"session"`
	Node    string `json:"node"`
}

func (t Target) String() string {
	return t.Session + "/" + t.Node
}

// TraceNode is one process/thread of the trace tree document returned for
// {thread_tree: true}. Times are in milliseconds; Runtime is -1 for threads that
// did not exit while being profiled.
type TraceNode struct {
	ID             string                      `json:"id"`
	Name           string                      `json:"name"`
	PidTid         string                      `json:"pid_tid"`
	StartTime      float64                     `json:"start_time"`
	Runtime        float64                     `json:"runtime"`
	SampledTime    float64                     `json:"sampled_time"`
	OffCPU         OffCPUIntervals             `json:"off_cpu"`
	StartCallchain []CallchainFrame            `json:"start_callchain,omitempty"`
	Metrics        map[string]MetricDescriptor `json:"metrics"`
	GeneralMetrics map[string]GeneralMetric    `json:"general_metrics,omitempty"`
	Src            SourceMap                   `json:"src,omitempty"`
	SrcIndex       map[string]string           `json:"src_index,omitempty"`
	Roofline       *RooflineInfo               `json:"roofline,omitempty"`
	Children       []*TraceNode                `json:"children"`
}

// OffCPUInterval is a (start, duration) pair of a period spent off-CPU.
type OffCPUInterval struct {
	Start    float64
	Duration float64
}

// End returns the exclusive end of the interval.
func (i OffCPUInterval) End() float64 {
	return i.Start + i.Duration
}

func (i OffCPUInterval) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{i.Start, i.Duration})
}

// OffCPUIntervals decodes leniently: a malformed list is treated as "no off-CPU data"
// instead of failing the whole trace document.
type OffCPUIntervals []OffCPUInterval

func (o *OffCPUIntervals) UnmarshalJSON(data []byte) error {
	var pairs [][]float64
	if err := json.Unmarshal(data, &pairs); err != nil || pairs == nil {
		*o = nil
		return nil
	}

	result := make(OffCPUIntervals, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 || p[1] < 0 {
			*o = nil
			return nil
		}
		result = append(result, OffCPUInterval{Start: p[0], Duration: p[1]})
	}
	*o = result
	return nil
}

// CallchainFrame is a (symbol id, offset) element of a call chain.
type CallchainFrame struct {
	Symbol string
	Offset string
}

func (f CallchainFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{f.Symbol, f.Offset})
}

func (f *CallchainFrame) UnmarshalJSON(data []byte) error {
	parts, err := decodeStringPair(data)
	if err != nil {
		return fmt.Errorf("invalid callchain frame %s: %w", data, err)
	}
	f.Symbol, f.Offset = parts[0], parts[1]
	return nil
}

// MetricDescriptor describes a per-thread metric available for a trace node.
type MetricDescriptor struct {
	Title      string `json:"title"`
	FlameGraph bool   `json:"flame_graph"`
	Unit       string `json:"unit,omitempty"`
}

// GeneralMetric describes a cross-cutting analysis (e.g. "roofline").
type GeneralMetric struct {
	Title string `json:"title"`
}

// SourceLocation is a source line an executable offset maps to.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// SourceMap maps a library/executable path to its hex offsets and their source lines.
type SourceMap map[string]map[string]SourceLocation

// CPUType selects the FLOP formula of the roofline deriver.
type CPUType string

const (
	CPUIntelX86 CPUType = "Intel_x86"
	CPUAMDX86   CPUType = "AMD_x86"
)

// RooflineInfo tells which metric trees carry memory (AI) and floating-point
// instruction counts for the profiled CPU.
type RooflineInfo struct {
	CPUType   CPUType  `json:"cpu_type"`
	AIKeys    []string `json:"ai_keys"`
	InstrKeys []string `json:"instr_keys"`
}

// IsZero reports whether the block carries no roofline metadata.
func (r *RooflineInfo) IsZero() bool {
	return r == nil || (r.CPUType == "" && len(r.AIKeys) == 0 && len(r.InstrKeys) == 0)
}

// --- Metric trees ---

// OffsetValue is the contribution of one code address to a metric tree node.
type OffsetValue struct {
	HotValue  float64 `json:"hot_value"`
	ColdValue float64 `json:"cold_value"`
}

// MetricTreeNode is a node of a flame graph: Name is a symbol id resolved through
// the metric's callchain map, Value = HotValue (on-CPU) + ColdValue (off-CPU).
type MetricTreeNode struct {
	Name           string                 `json:"name"`
	Value          float64                `json:"value"`
	HotValue       float64                `json:"hot_value,omitempty"`
	ColdValue      float64                `json:"cold_value,omitempty"`
	Offsets        map[string]OffsetValue `json:"offsets,omitempty"`
	Children       []*MetricTreeNode      `json:"children"`
	CompressedID   *int                   `json:"compressed_id,omitempty"`
	HiddenChildren []*MetricTreeNode      `json:"hidden_children,omitempty"`
}

// SelfValue returns the value not attributed to any child, hidden ones included.
func (n *MetricTreeNode) SelfValue() float64 {
	self := n.Value
	for _, c := range n.AllChildren() {
		self -= c.Value
	}
	if self < 0 {
		return 0
	}
	return self
}

// FlameGraphPair holds the value-ordered and the time-ordered variant of a metric tree.
// On the wire it is a two-element array.
type FlameGraphPair [2]*MetricTreeNode

func (p FlameGraphPair) ValueOrdered() *MetricTreeNode { return p[0] }
func (p FlameGraphPair) TimeOrdered() *MetricTreeNode  { return p[1] }

// FlameGraphSet maps a metric key to its pair of trees for one thread.
type FlameGraphSet map[string]FlameGraphPair

// --- Symbols ---

// SymbolInfo is the [display name, module] pair a symbol id maps to.
type SymbolInfo struct {
	Name   string
	Module string
}

func (s SymbolInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.Name, s.Module})
}

func (s *SymbolInfo) UnmarshalJSON(data []byte) error {
	parts, err := decodeStringPair(data)
	if err != nil {
		return fmt.Errorf("invalid symbol mapping %s: %w", data, err)
	}
	s.Name, s.Module = parts[0], parts[1]
	return nil
}

// CallchainMap maps symbol ids of one metric to their symbol information.
type CallchainMap map[string]SymbolInfo

// CallchainMappings is the {callchain: true} response, keyed by metric
// (and "syscall" for spawning call chains).
type CallchainMappings map[string]CallchainMap

// SyscallKey is the mapping used to resolve spawning call chains.
const SyscallKey = "syscall"

// Symbol is a symbol identity used to align the same call path across metric trees:
// either a resolved [name, module] pair or, when unmapped, the raw symbol id. Raw ids
// are codes local to the callchain map of one metric.
type Symbol struct {
	Raw      string `json:"raw"`
	Name     string `json:"name,omitempty"`
	Module   string `json:"module,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Resolve translates a raw symbol id, falling back to the raw id.
func (cm CallchainMap) Resolve(id string) Symbol {
	if info, ok := cm[id]; ok {
		return Symbol{Raw: id, Name: info.Name, Module: info.Module, Resolved: true}
	}
	return Symbol{Raw: id}
}

// Matches compares resolved identities. An unresolved symbol matches nothing, not even
// the same raw id, since codes of different metrics are unrelated.
func (s Symbol) Matches(o Symbol) bool {
	if !s.Resolved || !o.Resolved {
		return false
	}
	return s.Name == o.Name && s.Module == o.Module
}

func (s Symbol) String() string {
	if s.Resolved {
		return s.Name
	}
	return s.Raw
}

// --- Roofline ---

// RooflinePoint is a named point of a roofline plot.
type RooflinePoint struct {
	Name                string  `json:"name"`
	ArithmeticIntensity float64 `json:"arithmetic_intensity"`
	Flops               float64 `json:"flops"`
}

// Number decodes both JSON numbers and numeric strings (CSV-backed responses carry strings).
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = Number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

// Bandwidth is the measured bandwidth of one memory level.
type Bandwidth struct {
	GBps   Number `json:"gbps"`
	InstPC Number `json:"instpc"`
}

// Throughput is the measured floating-point throughput.
type Throughput struct {
	GFlops Number `json:"gflops"`
	InstPC Number `json:"instpc"`
}

// PerformanceModel is one row of a cache-aware roofline benchmark.
type PerformanceModel struct {
	ISA         string     `json:"isa"`
	Precision   string     `json:"precision"`
	Threads     Number     `json:"threads"`
	Loads       Number     `json:"loads"`
	Stores      Number     `json:"stores"`
	Interleaved string     `json:"interleaved"`
	DRAMBytes   Number     `json:"dram_bytes"`
	FPInst      string     `json:"fp_inst"`
	L1          Bandwidth  `json:"l1"`
	L2          Bandwidth  `json:"l2"`
	L3          Bandwidth  `json:"l3"`
	DRAM        Bandwidth  `json:"dram"`
	FP          Throughput `json:"fp"`
	FPFMA       Throughput `json:"fp_fma"`
}

// RooflineAnalysis is the name of the cache-aware roofline general analysis.
const RooflineAnalysis = "roofline"

// RooflineModel is the {general_analysis: "roofline"} response.
type RooflineModel struct {
	Type   string             `json:"type"`
	L1     Number             `json:"l1"`
	L2     Number             `json:"l2"`
	L3     Number             `json:"l3"`
	Models []PerformanceModel `json:"models"`
}

// ErrorResult is used to report errors in JSON output.
type ErrorResult struct {
	Error string `json:"error"`
	TopN  int    `json:"topN,omitempty"`
}

func decodeStringPair(data []byte) ([2]string, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return [2]string{}, err
	}
	if len(raw) != 2 {
		return [2]string{}, fmt.Errorf("expected 2 elements, got %d", len(raw))
	}
	var out [2]string
	for i, v := range raw {
		switch x := v.(type) {
		case nil:
		case string:
			out[i] = x
		case float64:
			out[i] = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			out[i] = fmt.Sprint(x)
		}
	}
	return out, nil
}
