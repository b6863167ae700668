package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
	"github.com/ZephyrDeng/perftimeline-mcp/store"
)

// handlers implements the MCP tools over the node data registry.
type handlers struct {
	conf    *Config
	l       *zap.Logger
	reg     *store.Registry
	targets *targetResolver
	pprofs  *pprofProcesses
}

// node returns the node data of a target URI, opening the target if needed.
func (h *handlers) node(ctx context.Context, uri string) (*store.NodeData, error) {
	t, err := h.targets.Resolve(uri)
	if err != nil {
		return nil, err
	}
	if n, ok := h.reg.Get(t.URI); ok {
		return n, nil
	}

	fetcher, err := t.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", t.URI, err)
	}
	return h.reg.Open(ctx, t.URI, t.Target, fetcher)
}

// failure turns an error into a tool result. Missing data is not a failure of the
// request: it yields an explicit "no data" result.
func (h *handlers) failure(tool string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, analyzer.ErrNotFound) {
		h.l.Info("No data", zap.String("tool", tool), zap.Error(err))
		return mcp.NewToolResultText("No data: " + err.Error()), nil
	}
	h.l.Warn("Tool failed", zap.String("tool", tool), zap.Error(err))
	return mcp.NewToolResultError(err.Error()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result to JSON: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// intSliceArg reads an array of non-negative integers.
func intSliceArg(request mcp.CallToolRequest, key string) ([]int, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing required argument: %s", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %s must be an array of integers", key)
	}
	result := make([]int, 0, len(items))
	for _, it := range items {
		f, ok := it.(float64)
		if !ok || f < 0 || f != math.Trunc(f) {
			return nil, fmt.Errorf("argument %s must be an array of non-negative integers", key)
		}
		result = append(result, int(f))
	}
	return result, nil
}

////////////////////////////////////////////////////////////////////////////////

type timelineView struct {
	Target  string   `json:"target"`
	AxisEnd float64  `json:"axis_end"`
	Notices []string `json:"notices,omitempty"`
	*analyzer.MaterializationResult
}

func timelineNotices(n *store.NodeData, res *analyzer.MaterializationResult) []string {
	var notices []string
	if err := n.CallchainWarning(); err != nil {
		notices = append(notices, fmt.Sprintf("Callchain mappings are unavailable (%v); symbols are shown as raw ids.", err))
	}
	if res.NoOffCPU {
		notices = append(notices, "Off-CPU periods are hidden (off_cpu_scale is 0).")
	} else if res.OffCPUSamplingPeriod > 0 {
		notices = append(notices, fmt.Sprintf("Off-CPU periods are sampled every %s; some short periods are not shown.",
			analyzer.FormatMillis(res.OffCPUSamplingPeriod)))
	}
	return notices
}

func summarizeTimeline(uri string, res *analyzer.MaterializationResult, notices []string, markdown bool) string {
	var b strings.Builder
	if markdown {
		fmt.Fprintf(&b, "## Timeline of `%s`\n\n", uri)
	} else {
		fmt.Fprintf(&b, "Timeline of %s\n", uri)
	}
	fmt.Fprintf(&b, "Groups: %d, off-CPU periods: %d, end: %s\n",
		len(res.Groups), res.OffCPUItemCount(), analyzer.FormatMillis(res.OverallEndTime))
	for _, notice := range notices {
		fmt.Fprintf(&b, "Notice: %s\n", notice)
	}
	b.WriteString("\n")

	for _, g := range res.Groups {
		indent := strings.Repeat("  ", g.Level)
		line := fmt.Sprintf("%s [%s] %s", g.Label, g.ID, res.Tooltips[g.ID].Auto)
		if w := res.Warnings[g.ID]; w.Warning {
			line += fmt.Sprintf(" WARNING: sampled runtime differs by %s%%", analyzer.FormatNumber(100*w.SampledDiff, 2))
		}
		if markdown {
			fmt.Fprintf(&b, "%s- %s\n", indent, line)
		} else {
			fmt.Fprintf(&b, "%s%s\n", indent, line)
		}
	}
	return b.String()
}

func (h *handlers) handleOpenTimeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := analyzer.MaterializeOptions{
		OffCPUScale:         request.GetFloat("off_cpu_scale", h.conf.Controls.OffCPUScale),
		WarningThresholdPct: request.GetFloat("runtime_diff_threshold", h.conf.Controls.RuntimeDiffThresholdPct),
	}
	format := request.GetString("output_format", "text")

	h.l.Info("Handling open_timeline", zap.String("target", uri),
		zap.Float64("off_cpu_scale", opts.OffCPUScale), zap.Float64("runtime_diff_threshold", opts.WarningThresholdPct))

	n, err := h.node(ctx, uri)
	if err != nil {
		return h.failure("open_timeline", err)
	}
	res, err := n.Materialize(opts)
	if err != nil {
		return h.failure("open_timeline", err)
	}
	notices := timelineNotices(n, res)

	switch format {
	case "json":
		return jsonResult(timelineView{Target: n.URI(), AxisEnd: res.AxisEnd(), Notices: notices, MaterializationResult: res})
	case "text", "markdown":
		return mcp.NewToolResultText(summarizeTimeline(n.URI(), res, notices, format == "markdown")), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported output format: %s", format)), nil
	}
}

func (h *handlers) handleCloseTimeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := h.targets.Resolve(uri)
	if err != nil {
		return h.failure("close_timeline", err)
	}
	if !h.reg.Close(t.URI) {
		return mcp.NewToolResultText(fmt.Sprintf("Timeline %s is not open.", t.URI)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Closed timeline %s.", t.URI)), nil
}

func (h *handlers) handleListTimelines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uris := h.reg.URIs()
	if len(uris) == 0 {
		return mcp.NewToolResultText("No open timelines."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Open timelines (%d):\n", len(uris))
	for _, uri := range uris {
		b.WriteString("- ")
		b.WriteString(uri)
		if n, ok := h.reg.Get(uri); ok {
			fmt.Fprintf(&b, " (%d roofline points)", len(n.RooflinePoints()))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

////////////////////////////////////////////////////////////////////////////////

type metricView struct {
	Key string `json:"key"`
	analyzer.MetricDescriptor
}

func flameGraphMetrics(group *analyzer.TraceNode) []metricView {
	var metrics []metricView
	for key, desc := range group.Metrics {
		if desc.FlameGraph {
			metrics = append(metrics, metricView{Key: key, MetricDescriptor: desc})
		}
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Key < metrics[j].Key
	})
	return metrics
}

// metricTree fetches the tree of metric for the thread of a timeline group.
func (h *handlers) metricTree(ctx context.Context, n *store.NodeData, groupID, metric string,
	thresholdPct float64, timeOrdered bool) (*analyzer.MetricTreeNode, analyzer.MetricDescriptor, error) {
	group, ok := n.Group(groupID)
	if !ok {
		return nil, analyzer.MetricDescriptor{}, fmt.Errorf("%w %q", store.ErrUnknownGroup, groupID)
	}
	desc, ok := group.Metrics[metric]
	if !ok || !desc.FlameGraph {
		return nil, desc, fmt.Errorf("%w: analysis %q is unavailable for this target", analyzer.ErrNotFound, metric)
	}

	graphs, err := n.FlameGraphs(ctx, groupID, thresholdPct)
	if err != nil {
		return nil, desc, err
	}
	pair, ok := graphs[metric]
	if !ok {
		return nil, desc, fmt.Errorf("%w: analysis %q is unavailable for thread %s", analyzer.ErrNotFound, metric, group.PidTid)
	}
	if timeOrdered {
		return pair.TimeOrdered(), desc, nil
	}
	return pair.ValueOrdered(), desc, nil
}

func (h *handlers) handleGetFlameGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	groupID, err := request.RequireString("group_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	metric := request.GetString("metric", "")
	threshold := request.GetFloat("threshold", h.conf.Controls.CompressionThresholdPct)
	timeOrdered := request.GetBool("time_ordered", false)
	topN := int(request.GetFloat("top_n", float64(h.conf.Controls.TopN)))
	blockID := int(request.GetFloat("compressed_id", -1))
	format := request.GetString("output_format", "text")

	h.l.Info("Handling get_flame_graph", zap.String("target", uri), zap.String("group", groupID),
		zap.String("metric", metric), zap.Float64("threshold", threshold), zap.Bool("time_ordered", timeOrdered))

	n, err := h.node(ctx, uri)
	if err != nil {
		return h.failure("get_flame_graph", err)
	}

	if metric == "" {
		group, ok := n.Group(groupID)
		if !ok {
			return h.failure("get_flame_graph", fmt.Errorf("%w %q", store.ErrUnknownGroup, groupID))
		}
		return jsonResult(flameGraphMetrics(group))
	}

	tree, desc, err := h.metricTree(ctx, n, groupID, metric, threshold, timeOrdered)
	if err != nil {
		return h.failure("get_flame_graph", err)
	}

	if blockID >= 0 {
		block, ok := analyzer.FindCompressedBlock(tree, blockID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no compressed block %d in the %s tree", blockID, metric)), nil
		}
		return jsonResult(block)
	}

	text, err := analyzer.AnalyzeHotspots(tree, n.Callchains()[metric], desc, topN, format)
	if err != nil {
		return h.failure("get_flame_graph", err)
	}
	return mcp.NewToolResultText(text), nil
}

////////////////////////////////////////////////////////////////////////////////

type rooflineView struct {
	Target  string                   `json:"target"`
	Info    analyzer.RooflineInfo    `json:"info"`
	Model   *analyzer.RooflineModel  `json:"model,omitempty"`
	Points  []analyzer.RooflinePoint `json:"points"`
	Notices []string                 `json:"notices,omitempty"`
}

func (h *handlers) handleGetRoofline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	n, err := h.node(ctx, uri)
	if err != nil {
		return h.failure("get_roofline", err)
	}

	view := rooflineView{
		Target: n.URI(),
		Info:   n.Metadata().Roofline,
		Points: n.RooflinePoints(),
	}
	model, err := n.Roofline(ctx)
	switch {
	case errors.Is(err, analyzer.ErrNotFound):
		view.Notices = append(view.Notices, "No roofline benchmark results: "+err.Error())
	case err != nil:
		return h.failure("get_roofline", err)
	default:
		view.Model = model
	}
	if view.Info.IsZero() {
		view.Notices = append(view.Notices, "The target has no roofline metrics; points cannot be added.")
	}
	return jsonResult(view)
}

func (h *handlers) handleAddRooflinePoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req := store.PointRequest{
		ThresholdPct: request.GetFloat("threshold", h.conf.Controls.CompressionThresholdPct),
		TimeOrdered:  request.GetBool("time_ordered", false),
	}
	if req.Name, err = request.RequireString("name"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.GroupID, err = request.RequireString("group_id"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.Metric, err = request.RequireString("metric"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.NodePath, err = intSliceArg(request, "node_path"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	h.l.Info("Handling add_roofline_point", zap.String("target", uri), zap.String("name", req.Name),
		zap.String("group", req.GroupID), zap.String("metric", req.Metric), zap.Ints("node_path", req.NodePath))

	n, err := h.node(ctx, uri)
	if err != nil {
		return h.failure("add_roofline_point", err)
	}
	point, err := n.AddRooflinePoint(ctx, req)
	switch {
	case errors.Is(err, store.ErrPointExists):
		return mcp.NewToolResultError(fmt.Sprintf("A roofline point named %q already exists, please choose another name.", req.Name)), nil
	case errors.Is(err, analyzer.ErrInsufficientData):
		return mcp.NewToolResultError("Could not obtain enough roofline information for the requested code block: " + err.Error()), nil
	case err != nil:
		return h.failure("add_roofline_point", err)
	}
	return jsonResult(point)
}

func (h *handlers) handleDeleteRooflinePoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	n, err := h.node(ctx, uri)
	if err != nil {
		return h.failure("delete_roofline_point", err)
	}
	if !n.DeleteRooflinePoint(name) {
		return mcp.NewToolResultError(fmt.Sprintf("no roofline point named %q", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted roofline point %q.", name)), nil
}

////////////////////////////////////////////////////////////////////////////////

func (h *handlers) handleGetSource(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	n, err := h.node(ctx, uri)
	if err != nil {
		return h.failure("get_source", err)
	}
	text, err := n.Source(ctx, path)
	if err != nil {
		return h.failure("get_source", err)
	}
	return mcp.NewToolResultText(text), nil
}

////////////////////////////////////////////////////////////////////////////////

// exportProfile writes the metric tree selected by the request to a pprof file.
func (h *handlers) exportProfile(ctx context.Context, request mcp.CallToolRequest) (string, func(), error) {
	uri, err := request.RequireString("target_uri")
	if err != nil {
		return "", nil, err
	}
	groupID, err := request.RequireString("group_id")
	if err != nil {
		return "", nil, err
	}
	metric, err := request.RequireString("metric")
	if err != nil {
		return "", nil, err
	}
	threshold := request.GetFloat("threshold", 0)

	n, err := h.node(ctx, uri)
	if err != nil {
		return "", nil, err
	}
	tree, desc, err := h.metricTree(ctx, n, groupID, metric, threshold, false)
	if err != nil {
		return "", nil, err
	}
	return writeProfileFile(h.l, h.conf.Pprof.TempDir, metric, desc, tree, n.Callchains()[metric])
}

func (h *handlers) handleGenerateFlamegraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outputSvgPath, err := request.RequireString("output_svg_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !filepath.IsAbs(outputSvgPath) {
		cwd, err := os.Getwd()
		if err != nil {
			h.l.Warn("Failed to get working directory", zap.Error(err))
		} else {
			outputSvgPath = filepath.Join(cwd, outputSvgPath)
		}
	}

	if _, err := exec.LookPath("dot"); err != nil {
		return mcp.NewToolResultError("Graphviz ('dot') was not found in PATH; it is required to render SVG flame graphs.\n" +
			"Install it first, e.g.:\n" +
			"- macOS (Homebrew): brew install graphviz\n" +
			"- Debian/Ubuntu: sudo apt-get install graphviz\n" +
			"- Fedora: sudo dnf install graphviz"), nil
	}

	inputFilePath, cleanup, err := h.exportProfile(ctx, request)
	if err != nil {
		return h.failure("generate_flamegraph", err)
	}
	defer cleanup()

	cmdArgs := []string{"tool", "pprof", "-svg", "-output", outputSvgPath, inputFilePath}
	h.l.Info("Executing command", zap.String("command", "go "+strings.Join(cmdArgs, " ")))

	cmd := exec.CommandContext(ctx, "go", cmdArgs...)
	cmdOutput, err := cmd.CombinedOutput()
	if err != nil {
		h.l.Warn("'go tool pprof' failed", zap.Error(err), zap.ByteString("output", cmdOutput))
		return mcp.NewToolResultError(fmt.Sprintf("failed to generate flame graph: %v. Output: %s", err, cmdOutput)), nil
	}

	h.l.Info("Generated flame graph", zap.String("path", outputSvgPath))
	message := mcp.NewTextContent(fmt.Sprintf("Flame graph saved to: %s", outputSvgPath))

	svgBytes, err := os.ReadFile(outputSvgPath)
	if err != nil {
		h.l.Warn("Generated SVG could not be read back", zap.String("path", outputSvgPath), zap.Error(err))
		return &mcp.CallToolResult{Content: []mcp.Content{message}}, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{message, mcp.NewTextContent(string(svgBytes))}}, nil
}

func (h *handlers) handleOpenInteractivePprof(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runtime.GOOS != "darwin" {
		return mcp.NewToolResultError(fmt.Sprintf("this tool is only available on macOS (current system: %s)", runtime.GOOS)), nil
	}
	httpAddress := request.GetString("http_address", h.conf.Pprof.HTTPAddress)

	inputFilePath, cleanup, err := h.exportProfile(ctx, request)
	if err != nil {
		return h.failure("open_interactive_pprof", err)
	}

	pid, err := h.pprofs.Start(inputFilePath, httpAddress, cleanup)
	if err != nil {
		cleanup()
		return h.failure("open_interactive_pprof", err)
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Started 'go tool pprof' in the background (PID: %d) serving %s at %s.\n"+
			"Use 'disconnect_pprof_session' with this PID to stop it.", pid, inputFilePath, httpAddress)), nil
}

func (h *handlers) handleDisconnectPprofSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pidFloat, err := request.RequireFloat("pid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pid := int(pidFloat)
	if pid <= 0 {
		return mcp.NewToolResultError(fmt.Sprintf("invalid PID: %d", pid)), nil
	}

	if err := h.pprofs.Stop(pid); err != nil {
		return h.failure("disconnect_pprof_session", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Sent a termination signal to PID %d.", pid)), nil
}
