package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/jarcoal/httpmock"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
	"github.com/ZephyrDeng/perftimeline-mcp/backend"
	"github.com/ZephyrDeng/perftimeline-mcp/store"
)

const (
	testBaseURL   = "http://results.localhost"
	testTargetURI = testBaseURL + "/s1/n1"

	testTreeJSON = `{
		"id": "1_1", "name": "app", "pid_tid": "1/1", "start_time": 0, "runtime": 2000, "sampled_time": 1500,
		"off_cpu": [[100, 50]],
		"metrics": {
			"walltime": {"title": "Wall time", "flame_graph": true, "unit": "ns"},
			"mem": {"title": "CARM_INTEL_MEM", "flame_graph": true}
		},
		"src_index": {"/src/main.c": "0.c"},
		"roofline": {"cpu_type": "Intel_x86", "ai_keys": ["mem"],
			"instr_keys": ["i0", "i1", "i2", "i3", "i4", "i5", "i6", "i7"]},
		"children": [{
			"id": "1_2", "name": "worker", "pid_tid": "1/2", "start_time": 10, "runtime": 500,
			"sampled_time": 500, "off_cpu": [], "metrics": {}, "children": []
		}]
	}`
	testCallchainJSON = `{
		"walltime": {"w1": ["main", "app"], "w2": ["compute", "app"]},
		"mem": {"m1": ["main", "app"], "m2": ["compute", "app"]},
		"i0": {"x1": ["main", "app"], "x2": ["compute", "app"]}
	}`
	testFlameJSON = `{
		"walltime": [
			{"name": "all", "value": 2e9, "children": [{"name": "w1", "value": 2e9, "children": [{"name": "w2", "value": 2e9, "children": []}]}]},
			{"name": "all", "value": 2e9, "children": [{"name": "w1", "value": 2e9, "children": [{"name": "w2", "value": 2e9, "children": []}]}]}
		],
		"mem": [
			{"name": "all", "value": 1, "children": [{"name": "m1", "value": 1, "children": [{"name": "m2", "value": 1, "children": []}]}]},
			{"name": "all", "value": 1, "children": [{"name": "m1", "value": 1, "children": [{"name": "m2", "value": 1, "children": []}]}]}
		],
		"i0": [
			{"name": "all", "value": 10, "children": [{"name": "x1", "value": 10, "children": [{"name": "x2", "value": 10, "children": []}]}]},
			{"name": "all", "value": 10, "children": [{"name": "x1", "value": 10, "children": [{"name": "x2", "value": 10, "children": []}]}]}
		]
	}`
	testRooflineJSON = `{"type": "roofline", "l1": "32768", "l2": "1048576", "l3": "8388608", "models": []}`
)

func makeMockResultsServer(t *testing.T) *httpmock.MockTransport {
	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(httpmock.ConnectionFailure)

	transport.RegisterResponder("POST", testBaseURL+"/s1/absent/",
		httpmock.NewStringResponder(http.StatusNotFound, ""))

	transport.RegisterResponder("POST", testTargetURI+"/", func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		form := req.PostForm

		switch {
		case form.Get("thread_tree") == "true":
			return httpmock.NewStringResponse(http.StatusOK, testTreeJSON), nil
		case form.Get("callchain") == "true":
			return httpmock.NewStringResponse(http.StatusOK, testCallchainJSON), nil
		case form.Get("pid") == "1" && form.Get("tid") == "1":
			return httpmock.NewStringResponse(http.StatusOK, testFlameJSON), nil
		case form.Get("general_analysis") == "roofline":
			return httpmock.NewStringResponse(http.StatusOK, testRooflineJSON), nil
		case form.Get("src") == "0.c":
			return httpmock.NewStringResponse(http.StatusOK, "int main() {}\n"), nil
		}
		return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
	})

	return transport
}

func makeTestHandlers(t *testing.T) *handlers {
	t.Helper()
	logger := zaptest.NewLogger(t)
	transport := makeMockResultsServer(t)
	conf := DefaultConfig()
	conf.Backend.RetryCount = 0

	reg := store.NewRegistry(store.WithLogger(logger))
	t.Cleanup(reg.CloseAll)

	return &handlers{
		conf: conf,
		l:    logger,
		reg:  reg,
		targets: newTargetResolver(conf, logger, backend.WithHTTPClientOption(func(c *resty.Client) error {
			c.SetTransport(transport)
			return nil
		})),
		pprofs: newPprofProcesses(logger),
	}
}

type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

func callTool(t *testing.T, handler toolHandler, args map[string]any) (string, bool) {
	t.Helper()
	var request mcp.CallToolRequest
	request.Params.Arguments = args

	result, err := handler(context.Background(), request)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, result.IsError
}

func TestOpenTimelineTool(t *testing.T) {
	h := makeTestHandlers(t)

	t.Run("json", func(t *testing.T) {
		text, isErr := callTool(t, h.handleOpenTimeline, map[string]any{
			"target_uri":             testTargetURI,
			"runtime_diff_threshold": 10.0,
			"output_format":          "json",
		})
		require.False(t, isErr, text)

		var view struct {
			Target   string                             `json:"target"`
			AxisEnd  float64                            `json:"axis_end"`
			Groups   []analyzer.TimelineGroup           `json:"groups"`
			Items    []analyzer.TimelineItem            `json:"items"`
			Warnings map[string]analyzer.RuntimeWarning `json:"warnings"`
		}
		require.NoError(t, json.Unmarshal([]byte(text), &view))
		require.Equal(t, testTargetURI, view.Target)
		require.Equal(t, 4000.0, view.AxisEnd)
		require.Len(t, view.Groups, 2)
		require.Equal(t, []string{"1_2"}, view.Groups[0].NestedGroups)
		require.Len(t, view.Items, 3)
		require.True(t, view.Warnings["1_1"].Warning)
		require.False(t, view.Warnings["1_2"].Warning)
	})

	t.Run("text", func(t *testing.T) {
		text, isErr := callTool(t, h.handleOpenTimeline, map[string]any{
			"target_uri":    testTargetURI,
			"off_cpu_scale": 0.0,
		})
		require.False(t, isErr, text)
		require.Contains(t, text, "app (1/1) [1_1] Runtime: 2.000 s (sampled: ~1.500 s)")
		require.Contains(t, text, "  worker (1/2) [1_2]")
		require.Contains(t, text, "Off-CPU periods are hidden")
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, isErr := callTool(t, h.handleOpenTimeline, map[string]any{"target_uri": "ftp://results.localhost/s1/n1"})
		require.True(t, isErr)
	})

	t.Run("missing target", func(t *testing.T) {
		text, isErr := callTool(t, h.handleOpenTimeline, map[string]any{"target_uri": testBaseURL + "/s1/absent"})
		require.False(t, isErr)
		require.Contains(t, text, "No data")
	})
}

func TestFlameGraphTool(t *testing.T) {
	h := makeTestHandlers(t)

	text, isErr := callTool(t, h.handleGetFlameGraph, map[string]any{"target_uri": testTargetURI, "group_id": "1_1"})
	require.False(t, isErr, text)
	require.Contains(t, text, `"key": "mem"`)
	require.Contains(t, text, `"key": "walltime"`)

	text, isErr = callTool(t, h.handleGetFlameGraph, map[string]any{
		"target_uri": testTargetURI,
		"group_id":   "1_1",
		"metric":     "walltime",
	})
	require.False(t, isErr, text)
	require.Contains(t, text, "compute [app]")

	text, isErr = callTool(t, h.handleGetFlameGraph, map[string]any{
		"target_uri": testTargetURI,
		"group_id":   "1_1",
		"metric":     "cycles",
	})
	require.False(t, isErr)
	require.Contains(t, text, "No data")

	_, isErr = callTool(t, h.handleGetFlameGraph, map[string]any{"target_uri": testTargetURI, "group_id": "7_7"})
	require.True(t, isErr)
}

func TestRooflineTools(t *testing.T) {
	h := makeTestHandlers(t)

	var notified []analyzer.RooflinePoint
	defer h.reg.Subscribe(func(uri string, point analyzer.RooflinePoint) {
		require.Equal(t, testTargetURI, uri)
		notified = append(notified, point)
	})()

	args := map[string]any{
		"target_uri": testTargetURI,
		"name":       "hot loop",
		"group_id":   "1_1",
		"metric":     "walltime",
		"node_path":  []any{0.0, 0.0},
		"threshold":  0.0,
	}
	text, isErr := callTool(t, h.handleAddRooflinePoint, args)
	require.False(t, isErr, text)

	var point analyzer.RooflinePoint
	require.NoError(t, json.Unmarshal([]byte(text), &point))
	require.InDelta(t, 5.0, point.Flops, 1e-9)
	require.InDelta(t, 2.5, point.ArithmeticIntensity, 1e-9)
	require.Len(t, notified, 1)

	text, isErr = callTool(t, h.handleAddRooflinePoint, args)
	require.True(t, isErr)
	require.Contains(t, text, "already exists")

	args["name"] = "bad path"
	args["node_path"] = []any{0.5}
	_, isErr = callTool(t, h.handleAddRooflinePoint, args)
	require.True(t, isErr)

	text, isErr = callTool(t, h.handleGetRoofline, map[string]any{"target_uri": testTargetURI})
	require.False(t, isErr, text)
	var view struct {
		Info   analyzer.RooflineInfo    `json:"info"`
		Model  analyzer.RooflineModel   `json:"model"`
		Points []analyzer.RooflinePoint `json:"points"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &view))
	require.Equal(t, analyzer.CPUIntelX86, view.Info.CPUType)
	require.EqualValues(t, 1048576, view.Model.L2)
	require.Len(t, view.Points, 1)

	_, isErr = callTool(t, h.handleDeleteRooflinePoint, map[string]any{"target_uri": testTargetURI, "name": "hot loop"})
	require.False(t, isErr)
	_, isErr = callTool(t, h.handleDeleteRooflinePoint, map[string]any{"target_uri": testTargetURI, "name": "hot loop"})
	require.True(t, isErr)
}

func TestSourceAndCloseTools(t *testing.T) {
	h := makeTestHandlers(t)

	text, isErr := callTool(t, h.handleGetSource, map[string]any{"target_uri": testTargetURI, "path": "/src/main.c"})
	require.False(t, isErr, text)
	require.Equal(t, "int main() {}\n", text)

	text, isErr = callTool(t, h.handleGetSource, map[string]any{"target_uri": testTargetURI, "path": "/src/absent.c"})
	require.False(t, isErr)
	require.Contains(t, text, "No data")

	text, _ = callTool(t, h.handleListTimelines, nil)
	require.Contains(t, text, "- "+testTargetURI+" (0 roofline points)")

	text, _ = callTool(t, h.handleCloseTimeline, map[string]any{"target_uri": testTargetURI})
	require.Contains(t, text, "Closed timeline")
	text, _ = callTool(t, h.handleCloseTimeline, map[string]any{"target_uri": testTargetURI})
	require.Contains(t, text, "is not open")

	text, _ = callTool(t, h.handleListTimelines, nil)
	require.Equal(t, "No open timelines.", text)
}

func TestDisconnectUnknownPprofSession(t *testing.T) {
	h := makeTestHandlers(t)

	_, isErr := callTool(t, h.handleDisconnectPprofSession, map[string]any{"pid": 123456.0})
	require.True(t, isErr)

	_, isErr = callTool(t, h.handleDisconnectPprofSession, map[string]any{"pid": -1.0})
	require.True(t, isErr)
}
