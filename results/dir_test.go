package results_test

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
	"github.com/ZephyrDeng/perftimeline-mcp/results"
)

const rooflineCSV = `Name:,bench,L1 Size:,32768,L2 Size:,1048576,L3 Size:,8388608,,L1,L1,L2,L2,L3,L3,DRAM,DRAM,FP,FP,FP FMA,FP_FMA
Date,ISA,Precision,Threads,Loads,Stores,Interleaved,DRAM Bytes,FP Inst.,GB/s,I/Cycle,GB/s,I/Cycle,GB/s,I/Cycle,GB/s,I/Cycle,Gflop/s,I/Cycle,Gflop/s,I/Cycle
2024-01-01,avx2,dp,4,2,1,0,1024,add,512.5,2,256,1,128,0.5,20,0.1,100,4,200,8
short,row
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// makeResults writes a results directory with one node and returns the storage root.
func makeResults(t *testing.T) string {
	t.Helper()
	storage := t.TempDir()
	node := filepath.Join(storage, "s1", "system", "host", "n1")

	writeFile(t, filepath.Join(node, "threads.json"), `{
		"spawning_callchains": {"11": [["c1", "0x10"]]},
		"tree": [["10", "11"], {
			"10": {"tag": ["app", "10/10", 0, 2000000000], "parent": null},
			"11": {"tag": ["worker", "10/11", 1000000, -1], "parent": "10"}
		}]
	}`)
	writeFile(t, filepath.Join(node, "callchains.json"), `{"c1": ["clone", "libc.so.6"]}`)
	writeFile(t, filepath.Join(node, "sources.json"), `{"/bin/app": {"0x10": {"file": "/src/main.c", "line": 3}}}`)
	writeFile(t, filepath.Join(node, "roofline.csv"), rooflineCSV)

	walltime := filepath.Join(node, "walltime")
	writeFile(t, filepath.Join(walltime, "dirmeta.json"), `{"title": "Wall time"}`)
	writeFile(t, filepath.Join(walltime, "callchains.json"), `{"w1": ["main", "/bin/app"]}`)

	thread := filepath.Join(walltime, "10", "10")
	writeFile(t, filepath.Join(thread, "offcpu.dat"), "0 50000000\n\n130000000 40000000\n")
	writeFile(t, filepath.Join(thread, "dirmeta.json"), `{"sampled_period": 1500000000}`)

	untimed := filepath.Join(thread, "untimed", "all")
	writeFile(t, filepath.Join(untimed, "dirmeta.json"), `{"hot_value": 90, "cold_value": 10}`)
	writeFile(t, filepath.Join(untimed, "w2", "dirmeta.json"), `{"hot_value": 30}`)
	writeFile(t, filepath.Join(untimed, "w1", "dirmeta.json"),
		`{"hot_value": 60, "cold_value": 10, "hot_0x10": 60, "cold_0x10": 10, "extra": "ignored"}`)

	timed := filepath.Join(thread, "timed")
	writeFile(t, filepath.Join(timed, "all.dat"), "w2_0\nw1_0\n")
	writeFile(t, filepath.Join(timed, "meta_all.json"), `{"name": "all", "hot_value": 90, "cold_value": 10}`)
	writeFile(t, filepath.Join(timed, "w2_0.dat"), "")
	writeFile(t, filepath.Join(timed, "meta_w2_0.json"), `{"name": "w2", "hot_value": 30}`)
	writeFile(t, filepath.Join(timed, "w1_0.dat"), "")
	writeFile(t, filepath.Join(timed, "meta_w1_0.json"), `{"name": "w1", "hot_value": 60, "cold_value": 10}`)

	writeFile(t, filepath.Join(node, "mem_inst_retired.any", "dirmeta.json"), `{"title": "CARM_INTEL_MEM"}`)

	writeZip(t, filepath.Join(node, "src.zip"), map[string]string{
		"index.json": `{"/src/main.c": "0.c"}`,
		"0.c":        "int main() { return 0; }\n",
	})

	return storage
}

func openDir(t *testing.T) *results.Dir {
	t.Helper()
	dir, err := results.Open(makeResults(t), "s1", "n1", results.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return dir
}

func TestOpen(t *testing.T) {
	storage := makeResults(t)

	_, err := results.Open(storage, "s1", "missing")
	require.ErrorIs(t, err, results.ErrNodeNotFound)

	writeFile(t, filepath.Join(storage, "s1", "system", "other", "n1", "threads.json"), `{}`)
	_, err = results.Open(storage, "s1", "n1")
	require.ErrorIs(t, err, results.ErrAmbiguousNode)
}

func TestFetchTraceTree(t *testing.T) {
	ctx := context.Background()
	dir := openDir(t)

	root, err := dir.FetchTraceTree(ctx)
	require.NoError(t, err)

	require.Equal(t, "10_10", root.ID)
	require.Equal(t, "app", root.Name)
	require.Equal(t, 2000.0, root.Runtime)
	require.Equal(t, 1500.0, root.SampledTime)
	require.Equal(t, analyzer.OffCPUIntervals{{Start: 0, Duration: 50}, {Start: 130, Duration: 40}}, root.OffCPU)
	require.Empty(t, root.StartCallchain)

	require.Equal(t, []string{"mem_inst_retired.any", "walltime"}, dir.Metrics())
	require.Equal(t, analyzer.CPUIntelX86, dir.Roofline().CPUType)
	require.DirExists(t, dir.Path())
	require.Equal(t, "Wall time", root.Metrics["walltime"].Title)
	require.True(t, root.Metrics["walltime"].FlameGraph)
	require.Contains(t, root.GeneralMetrics, results.RooflineAnalysis)
	require.Equal(t, map[string]string{"/src/main.c": "0.c"}, root.SrcIndex)
	require.Equal(t, 3, root.Src["/bin/app"]["0x10"].Line)

	require.NotNil(t, root.Roofline)
	require.Equal(t, analyzer.CPUIntelX86, root.Roofline.CPUType)
	require.Equal(t, []string{"mem_inst_retired.any"}, root.Roofline.AIKeys)
	require.Len(t, root.Roofline.InstrKeys, 8)

	require.Len(t, root.Children, 1)
	child := root.Children[0]
	require.Equal(t, "10_11", child.ID)
	require.Equal(t, 1.0, child.StartTime)
	require.Equal(t, -1.0, child.Runtime)
	require.Equal(t, -1.0, child.SampledTime)
	require.Empty(t, child.OffCPU)
	require.Equal(t, []analyzer.CallchainFrame{{Symbol: "c1", Offset: "0x10"}}, child.StartCallchain)
	require.Nil(t, child.Roofline)
}

func TestFetchTraceTreeMalformedOffCPU(t *testing.T) {
	ctx := context.Background()

	for _, content := range []string{"0 50000000\ngarbage\n", "0 5e7\n", "1 2 3\n"} {
		storage := makeResults(t)
		writeFile(t, filepath.Join(storage, "s1", "system", "host", "n1", "walltime", "10", "10", "offcpu.dat"), content)
		dir, err := results.Open(storage, "s1", "n1", results.WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)

		root, err := dir.FetchTraceTree(ctx)
		require.NoError(t, err, content)
		require.NotNil(t, root.OffCPU)
		require.Empty(t, root.OffCPU, content)
		require.Equal(t, 2000.0, root.Runtime)
		require.Len(t, root.Children, 1)
	}
}

func TestFetchTraceTreeEntryList(t *testing.T) {
	storage := t.TempDir()
	node := filepath.Join(storage, "s", "system", "host", "n")
	writeFile(t, filepath.Join(node, "threads.json"), `{
		"spawning_callchains": {},
		"tree": [
			{"identifier": "1", "tag": ["init", "1/1", 5000000, 10000000], "parent": null},
			{"identifier": "2", "tag": ["child", "1/2", 6000000, 1000000], "parent": "1"}
		]
	}`)

	dir, err := results.Open(storage, "s", "n")
	require.NoError(t, err)

	root, err := dir.FetchTraceTree(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1_1", root.ID)
	require.Equal(t, 5.0, root.StartTime)
	require.Equal(t, 10.0, root.Runtime)
	require.Len(t, root.Children, 1)
	require.Equal(t, "1_2", root.Children[0].ID)
	require.True(t, root.Roofline.IsZero())
}

func TestFetchFlameGraphs(t *testing.T) {
	ctx := context.Background()
	dir := openDir(t)

	graphs, err := dir.FetchFlameGraphs(ctx, "10", "10", 0)
	require.NoError(t, err)
	require.Len(t, graphs, 1)

	untimed := graphs["walltime"].ValueOrdered()
	require.Equal(t, "all", untimed.Name)
	require.Equal(t, 100.0, untimed.Value)
	require.Len(t, untimed.Children, 2)
	require.Equal(t, "w1", untimed.Children[0].Name, "sorted by value")
	require.Equal(t, 70.0, untimed.Children[0].Value)
	require.Equal(t, analyzer.OffsetValue{HotValue: 60, ColdValue: 10}, untimed.Children[0].Offsets["0x10"])

	timed := graphs["walltime"].TimeOrdered()
	require.Equal(t, "all", timed.Name)
	require.Equal(t, "w2", timed.Children[0].Name, "file order")
	require.Equal(t, "w1", timed.Children[1].Name)

	graphs, err = dir.FetchFlameGraphs(ctx, "10", "10", 0.8)
	require.NoError(t, err)
	untimed = graphs["walltime"].ValueOrdered()
	require.Len(t, untimed.Children, 1)
	require.True(t, untimed.Children[0].IsCompressed())
	require.Len(t, untimed.Children[0].HiddenChildren, 2)

	graphs, err = dir.FetchFlameGraphs(ctx, "10", "99", 0)
	require.NoError(t, err)
	require.Empty(t, graphs)
}

func TestFetchCallchains(t *testing.T) {
	mappings, err := openDir(t).FetchCallchains(context.Background())
	require.NoError(t, err)
	require.Equal(t, analyzer.SymbolInfo{Name: "clone", Module: "libc.so.6"}, mappings[analyzer.SyscallKey]["c1"])
	require.Equal(t, analyzer.SymbolInfo{Name: "main", Module: "/bin/app"}, mappings["walltime"]["w1"])
	require.NotContains(t, mappings, "mem_inst_retired.any")
}

func TestFetchGeneralAnalysis(t *testing.T) {
	ctx := context.Background()
	dir := openDir(t)

	raw, err := dir.FetchGeneralAnalysis(ctx, results.RooflineAnalysis)
	require.NoError(t, err)

	var model analyzer.RooflineModel
	require.NoError(t, json.Unmarshal(raw, &model))
	require.Equal(t, "roofline", model.Type)
	require.Equal(t, analyzer.Number(32768), model.L1)
	require.Equal(t, analyzer.Number(8388608), model.L3)
	require.Len(t, model.Models, 1)
	require.Equal(t, "avx2", model.Models[0].ISA)
	require.Equal(t, analyzer.Number(512.5), model.Models[0].L1.GBps)
	require.Equal(t, analyzer.Number(200), model.Models[0].FPFMA.GFlops)

	_, err = dir.FetchGeneralAnalysis(ctx, "cache-misses")
	require.ErrorIs(t, err, analyzer.ErrNotFound)
}

func TestParseRooflineCSVRejectsUnknownHeader(t *testing.T) {
	_, err := results.ParseRooflineCSV(strings.NewReader("a,b,c\n"))
	require.ErrorIs(t, err, results.ErrInvalidRooflineCSV)

	broken := strings.Replace(rooflineCSV, "Gflop/s", "GFLOPS", 1)
	_, err = results.ParseRooflineCSV(strings.NewReader(broken))
	require.ErrorIs(t, err, results.ErrInvalidRooflineCSV)
}

func TestFetchSource(t *testing.T) {
	ctx := context.Background()
	dir := openDir(t)

	src, err := dir.FetchSource(ctx, "0.c")
	require.NoError(t, err)
	require.Equal(t, "int main() { return 0; }\n", src)

	_, err = dir.FetchSource(ctx, "missing.c")
	require.ErrorIs(t, err, analyzer.ErrNotFound)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := openDir(t).FetchTraceTree(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
