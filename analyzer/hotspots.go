package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HotspotStat is the aggregated self value of one symbol.
type HotspotStat struct {
	Symbol         string  `json:"symbol"`
	Module         string  `json:"module,omitempty"`
	SelfValue      float64 `json:"self_value"`
	SelfFormatted  string  `json:"self_value_formatted"`
	TotalValue     float64 `json:"total_value"`
	TotalFormatted string  `json:"total_value_formatted"`
	Percentage     float64 `json:"percentage"`
}

// HotspotResult is the JSON output of AnalyzeHotspots.
type HotspotResult struct {
	Metric              string        `json:"metric"`
	Unit                string        `json:"unit,omitempty"`
	TotalValue          float64       `json:"total_value"`
	TotalValueFormatted string        `json:"total_value_formatted"`
	TopN                int           `json:"top_n"`
	Symbols             []HotspotStat `json:"symbols"`
}

type symbolTotals struct {
	info  SymbolInfo
	self  float64
	total float64
}

// Hotspots aggregates the self and total values of every symbol of a metric tree and
// returns them sorted by self value, descending. Recursive frames count once towards
// the total value of a stack.
func Hotspots(root *MetricTreeNode, callchains CallchainMap) []HotspotStat {
	if root == nil {
		return nil
	}
	acc := make(map[SymbolInfo]*symbolTotals)
	var walk func(n *MetricTreeNode, onStack map[SymbolInfo]int)
	walk = func(n *MetricTreeNode, onStack map[SymbolInfo]int) {
		if n.IsCompressed() {
			for _, c := range n.AllChildren() {
				walk(c, onStack)
			}
			return
		}
		sym := callchains.Resolve(n.Name)
		key := SymbolInfo{Name: sym.String(), Module: sym.Module}
		st, ok := acc[key]
		if !ok {
			st = &symbolTotals{info: key}
			acc[key] = st
		}
		st.self += n.SelfValue()
		if onStack[key] == 0 {
			st.total += n.Value
		}
		onStack[key]++
		for _, c := range n.AllChildren() {
			walk(c, onStack)
		}
		onStack[key]--
	}
	for _, c := range root.AllChildren() {
		walk(c, make(map[SymbolInfo]int))
	}

	stats := make([]HotspotStat, 0, len(acc))
	for _, st := range acc {
		percent := 0.0
		if root.Value != 0 {
			percent = st.self / root.Value * 100
		}
		stats = append(stats, HotspotStat{
			Symbol:     st.info.Name,
			Module:     st.info.Module,
			SelfValue:  st.self,
			TotalValue: st.total,
			Percentage: percent,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SelfValue != stats[j].SelfValue {
			return stats[i].SelfValue > stats[j].SelfValue
		}
		return stats[i].Symbol < stats[j].Symbol
	})
	return stats
}

// AnalyzeHotspots renders the top-N hotspots of a metric tree as text, markdown, json
// or the raw tree (flamegraph-json).
func AnalyzeHotspots(root *MetricTreeNode, callchains CallchainMap, desc MetricDescriptor, topN int, format string) (string, error) {
	if root == nil {
		return "", fmt.Errorf("%w: empty metric tree", ErrNotFound)
	}

	stats := Hotspots(root, callchains)
	limit := topN
	if limit <= 0 || limit > len(stats) {
		limit = len(stats)
	}
	for i := range stats[:limit] {
		stats[i].SelfFormatted = FormatSampleValue(stats[i].SelfValue, desc.Unit)
		stats[i].TotalFormatted = FormatSampleValue(stats[i].TotalValue, desc.Unit)
	}

	title := desc.Title
	if title == "" {
		title = root.Name
	}

	switch format {
	case "text", "markdown":
		var b strings.Builder
		if format == "markdown" {
			b.WriteString("```text\n")
		}
		fmt.Fprintf(&b, "%s: top %d symbols by self value\n", title, limit)
		fmt.Fprintf(&b, "Total: %s\n", FormatSampleValue(root.Value, desc.Unit))
		b.WriteString("----------------------------------------------------------------\n")
		fmt.Fprintf(&b, "%-15s %-8s %-15s %s\n", "Self", "%", "Total", "Symbol")
		b.WriteString("----------------------------------------------------------------\n")
		for _, st := range stats[:limit] {
			name := st.Symbol
			if st.Module != "" {
				name += " [" + st.Module + "]"
			}
			fmt.Fprintf(&b, "%-15s %-8.2f %-15s %s\n", st.SelfFormatted, st.Percentage, st.TotalFormatted, name)
		}
		if format == "markdown" {
			b.WriteString("```\n")
		}
		return b.String(), nil

	case "json":
		result := HotspotResult{
			Metric:              title,
			Unit:                desc.Unit,
			TotalValue:          root.Value,
			TotalValueFormatted: FormatSampleValue(root.Value, desc.Unit),
			TopN:                limit,
			Symbols:             stats[:limit],
		}
		jsonBytes, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			errJSON, _ := json.Marshal(ErrorResult{Error: fmt.Sprintf("Failed to marshal result to JSON: %v", err), TopN: topN})
			return string(errJSON), nil
		}
		return string(jsonBytes), nil

	case "flamegraph-json":
		jsonBytes, err := json.Marshal(root)
		if err != nil {
			errJSON, _ := json.Marshal(ErrorResult{Error: fmt.Sprintf("Failed to marshal flame graph tree to JSON: %v", err)})
			return string(errJSON), nil
		}
		return string(jsonBytes), nil

	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}
