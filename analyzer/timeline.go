package analyzer

import (
	"maps"
	"math"
	"strconv"
)

const (
	// ItemKindBackground is the only kind of timeline item produced.
	ItemKindBackground = "background"

	OnCPUStyle  = "background-color:#aa0000; z-index:-1"
	OffCPUStyle = "background-color:#0294e3"

	// GroupIndentPx is the label indentation per tree level.
	GroupIndentPx = 25
)

// TimelineItem is a span drawn in the row of a timeline group.
type TimelineItem struct {
	ID    string  `json:"id"`
	Group string  `json:"group"`
	Kind  string  `json:"type"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Style string  `json:"style"`
}

// TimelineGroup is the row of one process/thread.
type TimelineGroup struct {
	ID           string   `json:"id"`
	Label        string   `json:"content"`
	Level        int      `json:"level"`
	IndentPx     int      `json:"indent_px"`
	NestedGroups []string `json:"nestedGroups,omitempty"`
}

// Tooltip holds the runtime tooltip in its auto-scaled and its millisecond variant.
type Tooltip struct {
	Auto   string `json:"auto"`
	Millis string `json:"ms"`
}

// RuntimeWarning flags threads whose sampled runtime deviates from the measured one.
type RuntimeWarning struct {
	Warning     bool    `json:"warning"`
	SampledDiff float64 `json:"sampled_diff"`
}

// MaterializeOptions are the user controls consumed by Materialize.
type MaterializeOptions struct {
	// OffCPUScale is the decimation control in [0, 1].
	OffCPUScale float64
	// WarningThresholdPct is the runtime-diff threshold in percent.
	WarningThresholdPct float64
}

// SessionMetadata holds the blocks captured first-wins while materializing a trace:
// the first node carrying a non-empty block of a kind fills it, later ones are ignored.
// A trace is assumed to describe a single binary/target, so merging is not attempted.
// It is owned by the caller and lives as long as the analysis target is open.
type SessionMetadata struct {
	GeneralMetrics map[string]GeneralMetric `json:"general_metrics"`
	Src            SourceMap                `json:"src"`
	SrcIndex       map[string]string        `json:"src_index"`
	Roofline       RooflineInfo             `json:"roofline"`
}

// NewSessionMetadata returns empty metadata ready to be filled.
func NewSessionMetadata() *SessionMetadata {
	return &SessionMetadata{
		GeneralMetrics: make(map[string]GeneralMetric),
		Src:            make(SourceMap),
		SrcIndex:       make(map[string]string),
	}
}

func (m *SessionMetadata) capture(node *TraceNode) {
	if len(m.GeneralMetrics) == 0 && len(node.GeneralMetrics) > 0 {
		maps.Copy(m.GeneralMetrics, node.GeneralMetrics)
	}
	if len(m.Src) == 0 && len(node.Src) > 0 {
		maps.Copy(m.Src, node.Src)
	}
	if len(m.SrcIndex) == 0 && len(node.SrcIndex) > 0 {
		maps.Copy(m.SrcIndex, node.SrcIndex)
	}
	if m.Roofline.IsZero() && !node.Roofline.IsZero() {
		m.Roofline = RooflineInfo{
			CPUType:   node.Roofline.CPUType,
			AIKeys:    append([]string(nil), node.Roofline.AIKeys...),
			InstrKeys: append([]string(nil), node.Roofline.InstrKeys...),
		}
	}
}

// CaptureMetadata fills meta first-wins from the tree in pre-order, without
// materializing anything.
func CaptureMetadata(root *TraceNode, meta *SessionMetadata) {
	if root == nil {
		return
	}
	meta.capture(root)
	for _, c := range root.Children {
		CaptureMetadata(c, meta)
	}
}

// MaterializationResult is the flat timeline built from a trace tree plus its lookup tables.
type MaterializationResult struct {
	Items  []TimelineItem  `json:"items"`
	Groups []TimelineGroup `json:"groups"`

	Labels      map[string]string                      `json:"labels"`
	Tooltips    map[string]Tooltip                     `json:"tooltips"`
	Metrics     map[string]map[string]MetricDescriptor `json:"metrics"`
	Warnings    map[string]RuntimeWarning              `json:"warnings"`
	SampledDiff map[string]float64                     `json:"sampled_diff"`
	Callchains  map[string][]CallchainFrame            `json:"callchains"`

	// OverallEndTime is the max of start_time+runtime over all nodes.
	OverallEndTime float64 `json:"overall_end_time"`
	// NoOffCPU is raised when off-CPU periods are hidden entirely (scale 0).
	NoOffCPU bool `json:"no_off_cpu"`
	// OffCPUSamplingPeriod is the decimation bucket in ms; 0 means full detail.
	OffCPUSamplingPeriod float64 `json:"off_cpu_sampling_period"`
}

// AxisEnd is the upper bound of the time axis shown to the user.
func (r *MaterializationResult) AxisEnd() float64 {
	return 2 * r.OverallEndTime
}

// OffCPUItemCount returns the number of off-CPU items emitted.
func (r *MaterializationResult) OffCPUItemCount() int {
	n := 0
	for _, it := range r.Items {
		if it.Style == OffCPUStyle {
			n++
		}
	}
	return n
}

// SampledDiff returns |runtime - sampled| / runtime, or 0 when runtime is not positive.
func SampledDiff(runtime, sampled float64) float64 {
	if runtime <= 0 {
		return 0
	}
	return math.Abs(runtime-sampled) / runtime
}

// Materialize flattens the trace tree rooted at root into timeline items and groups
// with a single pre-order traversal. First-wins metadata is captured into meta.
func Materialize(root *TraceNode, opts MaterializeOptions, meta *SessionMetadata) *MaterializationResult {
	res := &MaterializationResult{
		Labels:      make(map[string]string),
		Tooltips:    make(map[string]Tooltip),
		Metrics:     make(map[string]map[string]MetricDescriptor),
		Warnings:    make(map[string]RuntimeWarning),
		SampledDiff: make(map[string]float64),
		Callchains:  make(map[string][]CallchainFrame),
	}
	if root == nil {
		return res
	}
	if meta == nil {
		meta = NewSessionMetadata()
	}

	bucket, offCPU := OffCPUBucket(opts.OffCPUScale, root.Runtime)
	res.NoOffCPU = !offCPU
	res.OffCPUSamplingPeriod = bucket

	m := materializer{res: res, meta: meta, threshold: opts.WarningThresholdPct / 100, offCPU: offCPU}
	m.walk(root, 0, bucket)
	return res
}

type materializer struct {
	res       *MaterializationResult
	meta      *SessionMetadata
	threshold float64
	offCPU    bool
}

func (m *materializer) walk(node *TraceNode, level int, bucket float64) {
	end := node.StartTime + node.Runtime
	m.res.Items = append(m.res.Items, TimelineItem{
		ID:    node.ID,
		Group: node.ID,
		Kind:  ItemKindBackground,
		Start: node.StartTime,
		End:   end,
		Style: OnCPUStyle,
	})
	m.res.OverallEndTime = math.Max(m.res.OverallEndTime, end)

	label := node.Name + " (" + node.PidTid + ")"
	group := TimelineGroup{
		ID:       node.ID,
		Label:    label,
		Level:    level,
		IndentPx: level * GroupIndentPx,
	}
	for _, c := range node.Children {
		if c != nil {
			group.NestedGroups = append(group.NestedGroups, c.ID)
		}
	}
	m.res.Groups = append(m.res.Groups, group)

	diff := SampledDiff(node.Runtime, node.SampledTime)
	m.res.SampledDiff[node.ID] = diff
	m.res.Warnings[node.ID] = RuntimeWarning{Warning: diff > m.threshold, SampledDiff: diff}

	m.res.Labels[node.ID] = label
	m.res.Tooltips[node.ID] = RuntimeTooltip(node.Runtime, node.SampledTime)
	m.res.Metrics[node.ID] = node.Metrics

	m.meta.capture(node)

	if level > 0 {
		m.res.Callchains[node.ID] = node.StartCallchain
	}

	if m.offCPU {
		for _, i := range DecimateOffCPU(node.OffCPU, bucket) {
			iv := node.OffCPU[i]
			m.res.Items = append(m.res.Items, TimelineItem{
				ID:    node.ID + "_offcpu" + strconv.Itoa(i),
				Group: node.ID,
				Kind:  ItemKindBackground,
				Start: iv.Start,
				End:   iv.End(),
				Style: OffCPUStyle,
			})
		}
	}

	for _, c := range node.Children {
		if c != nil {
			m.walk(c, level+1, bucket)
		}
	}
}
