package analyzer_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

func TestOffCPUIntervalsDecoding(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want analyzer.OffCPUIntervals
	}{
		{name: "pairs", in: `[[1, 2], [5.5, 0.5]]`, want: analyzer.OffCPUIntervals{{Start: 1, Duration: 2}, {Start: 5.5, Duration: 0.5}}},
		{name: "empty", in: `[]`, want: analyzer.OffCPUIntervals{}},
		{name: "null", in: `null`, want: nil},
		{name: "string", in: `"oops"`, want: nil},
		{name: "triple", in: `[[1, 2, 3]]`, want: nil},
		{name: "negative duration", in: `[[1, -2]]`, want: nil},
		{name: "objects", in: `[{"a": 1}]`, want: nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var node analyzer.TraceNode
			err := json.Unmarshal([]byte(`{"id": "x", "off_cpu": `+tc.in+`}`), &node)
			require.NoError(t, err)
			require.Equal(t, "x", node.ID)
			require.Equal(t, tc.want, node.OffCPU)
		})
	}
}

func TestOffCPUIntervalMarshal(t *testing.T) {
	raw, err := json.Marshal(analyzer.OffCPUIntervals{{Start: 1, Duration: 2.5}})
	require.NoError(t, err)
	require.JSONEq(t, `[[1, 2.5]]`, string(raw))
}

func TestCallchainFrameDecoding(t *testing.T) {
	var frames []analyzer.CallchainFrame
	require.NoError(t, json.Unmarshal([]byte(`[["clone", "0x1f"], ["main", 12]]`), &frames))
	require.Equal(t, []analyzer.CallchainFrame{
		{Symbol: "clone", Offset: "0x1f"},
		{Symbol: "main", Offset: "12"},
	}, frames)

	require.Error(t, json.Unmarshal([]byte(`[["lonely"]]`), &frames))
}

func TestCallchainMappingsDecoding(t *testing.T) {
	var mappings analyzer.CallchainMappings
	require.NoError(t, json.Unmarshal([]byte(`{
		"syscall": {"c1": ["clone", "libc.so.6"]},
		"walltime": {"w1": ["main", "/bin/app"]}
	}`), &mappings))

	sym := mappings["walltime"].Resolve("w1")
	require.True(t, sym.Resolved)
	require.Equal(t, "main", sym.String())

	unresolved := mappings["walltime"].Resolve("w2")
	require.False(t, unresolved.Resolved)
	require.Equal(t, "w2", unresolved.String())
	require.False(t, sym.Matches(unresolved))
	require.False(t, unresolved.Matches(unresolved))
	require.True(t, sym.Matches(mappings["walltime"].Resolve("w1")))

	var nilMap analyzer.CallchainMap
	require.Equal(t, analyzer.Symbol{Raw: "z"}, nilMap.Resolve("z"))
}

func TestRooflineModelDecoding(t *testing.T) {
	var model analyzer.RooflineModel
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "roofline", "l1": 32768, "l2": "1048576", "l3": null,
		"models": [{"isa": "avx2", "precision": "dp", "threads": "4",
		            "l1": {"gbps": "512.5", "instpc": "2"}, "fp": {"gflops": 100, "instpc": ""}}]
	}`), &model))

	require.Equal(t, analyzer.Number(32768), model.L1)
	require.Equal(t, analyzer.Number(1048576), model.L2)
	require.Zero(t, model.L3)
	require.Len(t, model.Models, 1)
	require.Equal(t, analyzer.Number(4), model.Models[0].Threads)
	require.Equal(t, analyzer.Number(512.5), model.Models[0].L1.GBps)
	require.Equal(t, analyzer.Number(100), model.Models[0].FP.GFlops)

	require.Error(t, json.Unmarshal([]byte(`{"l1": "lots"}`), &model))
}

func TestRooflineInfoIsZero(t *testing.T) {
	var nilInfo *analyzer.RooflineInfo
	require.True(t, nilInfo.IsZero())
	require.True(t, (&analyzer.RooflineInfo{}).IsZero())
	require.False(t, (&analyzer.RooflineInfo{CPUType: analyzer.CPUAMDX86}).IsZero())
}
