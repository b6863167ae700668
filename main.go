package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
	"github.com/ZephyrDeng/perftimeline-mcp/store"
)

const (
	serverName    = "PerfTimeline"
	serverVersion = "0.2.0"

	// rooflinePointAddedMethod is the notification sent to every client when a
	// roofline point is stored.
	rooflinePointAddedMethod = "notifications/roofline/point_added"
)

var (
	rootCmd = &cobra.Command{
		Use:           "perftimeline-mcp",
		Short:         "MCP server for hierarchical performance timelines",
		Long:          "Serves process/thread timelines, flame graphs and cache-aware roofline points of profiling sessions over the MCP stdio transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return run()
		},
	}

	configPath  string
	logLevel    string
	backendURL  string
	storageRoot string
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the server config")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (must be one of `debug`, `info`, `warn`, `error`)")
	rootCmd.Flags().StringVar(&backendURL, "backend-url", "", "default results server url, overrides the config")
	rootCmd.Flags().StringVar(&storageRoot, "storage", "", "default local results storage, overrides the config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	conf := DefaultConfig()
	if configPath != "" {
		var err error
		if conf, err = ParseConfig(configPath); err != nil {
			return nil, err
		}
	}
	if backendURL != "" {
		conf.Backend.URL = backendURL
	}
	if storageRoot != "" {
		conf.Storage.Root = storageRoot
	}
	return conf, nil
}

func run() error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conf, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := notifyContext(logger)
	defer cancel()

	reg := store.NewRegistry(
		store.WithLogger(logger),
		store.WithSourceCache(conf.SourceCache.MaxSize, conf.SourceCache.TTL),
	)
	defer reg.CloseAll()

	pprofs := newPprofProcesses(logger)
	defer pprofs.StopAll()

	h := &handlers{
		conf:    conf,
		l:       logger.Named("tools"),
		reg:     reg,
		targets: newTargetResolver(conf, logger),
		pprofs:  pprofs,
	}

	mcpServer := newServer(h)

	unsubscribe := reg.Subscribe(func(uri string, point analyzer.RooflinePoint) {
		mcpServer.SendNotificationToAllClients(rooflinePointAddedMethod, map[string]any{
			"target": uri,
			"point":  point,
		})
	})
	defer unsubscribe()

	logger.Info("Starting MCP server via stdio", zap.String("name", serverName), zap.String("version", serverVersion))
	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(logger.Named("stdio")))
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func targetURIParam() mcp.ToolOption {
	return mcp.WithString("target_uri",
		mcp.Description("Analysis target: 'http(s)://host/<session>/<node>' (results server), "+
			"'file:///<storage>/<session>/<node>' (local results) or '<session>/<node>' (configured default)."),
		mcp.Required(),
	)
}

func groupIDParam() mcp.ToolOption {
	return mcp.WithString("group_id",
		mcp.Description("Timeline group (process/thread) id, as returned by open_timeline."),
		mcp.Required(),
	)
}

func thresholdParam() mcp.ToolOption {
	return mcp.WithNumber("threshold",
		mcp.Description("Flame graph compression threshold in percent of the parent value; smaller children are folded into '(compressed)' blocks."),
		mcp.Min(0),
		mcp.Max(100),
	)
}

func newServer(h *handlers) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
		server.WithRecovery(),
	)

	openTimelineTool := mcp.NewTool("open_timeline",
		mcp.WithDescription("Opens an analysis target and returns its process/thread timeline: on-CPU spans, off-CPU periods, runtime tooltips and sampled-runtime warnings."),
		targetURIParam(),
		mcp.WithNumber("off_cpu_scale",
			mcp.Description("Off-CPU detail in [0, 1]: 0 hides off-CPU periods, 1 shows all of them, values in between sample them."),
			mcp.Min(0),
			mcp.Max(1),
		),
		mcp.WithNumber("runtime_diff_threshold",
			mcp.Description("Warn when the sampled runtime differs from the exact one by more than this percentage."),
			mcp.Min(0),
			mcp.Max(100),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format of the timeline."),
			mcp.DefaultString("text"),
			mcp.Enum("text", "markdown", "json"),
		),
	)

	closeTimelineTool := mcp.NewTool("close_timeline",
		mcp.WithDescription("Closes an analysis target and drops its cached timelines, flame graphs, sources and roofline points."),
		targetURIParam(),
	)

	listTimelinesTool := mcp.NewTool("list_timelines",
		mcp.WithDescription("Lists the open analysis targets."),
	)

	flameGraphTool := mcp.NewTool("get_flame_graph",
		mcp.WithDescription("Returns the hotspots or the flame graph tree of a metric recorded for a timeline group. Without a metric, lists the metrics available for the group."),
		targetURIParam(),
		groupIDParam(),
		mcp.WithString("metric",
			mcp.Description("Metric key, e.g. 'walltime'."),
		),
		thresholdParam(),
		mcp.WithBoolean("time_ordered",
			mcp.Description("Use the time-ordered tree instead of the value-ordered one."),
			mcp.DefaultBool(false),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Maximum number of hotspots returned."),
			mcp.Min(1),
		),
		mcp.WithNumber("compressed_id",
			mcp.Description("Returns the '(compressed)' block with this id, including the children folded into it."),
			mcp.Min(0),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format: hotspot table (text, markdown, json) or the whole tree (flamegraph-json)."),
			mcp.DefaultString("text"),
			mcp.Enum("text", "markdown", "json", "flamegraph-json"),
		),
	)

	rooflineTool := mcp.NewTool("get_roofline",
		mcp.WithDescription("Returns the cache-aware roofline model of the target and the points added so far."),
		targetURIParam(),
	)

	addPointTool := mcp.NewTool("add_roofline_point",
		mcp.WithDescription("Derives the roofline point (arithmetic intensity, FLOP/s) of a flame graph node and stores it under a unique name."),
		targetURIParam(),
		mcp.WithString("name",
			mcp.Description("Unique name of the point."),
			mcp.Required(),
		),
		groupIDParam(),
		mcp.WithString("metric",
			mcp.Description("Metric key of the flame graph the node was selected in."),
			mcp.Required(),
		),
		mcp.WithArray("node_path",
			mcp.Description("Child indices from the flame graph root to the selected node."),
			mcp.Required(),
			mcp.Items(map[string]any{"type": "integer", "minimum": 0}),
		),
		thresholdParam(),
		mcp.WithBoolean("time_ordered",
			mcp.Description("The node path refers to the time-ordered tree."),
			mcp.DefaultBool(false),
		),
	)

	deletePointTool := mcp.NewTool("delete_roofline_point",
		mcp.WithDescription("Deletes a stored roofline point."),
		targetURIParam(),
		mcp.WithString("name",
			mcp.Description("Name of the point."),
			mcp.Required(),
		),
	)

	sourceTool := mcp.NewTool("get_source",
		mcp.WithDescription("Returns the text of a source file of the profiled program."),
		targetURIParam(),
		mcp.WithString("path",
			mcp.Description("Source file path, as referenced by the source line mappings."),
			mcp.Required(),
		),
	)

	flamegraphTool := mcp.NewTool("generate_flamegraph",
		mcp.WithDescription("Renders a metric tree of a timeline group to an SVG graph with 'go tool pprof'."),
		targetURIParam(),
		groupIDParam(),
		mcp.WithString("metric",
			mcp.Description("Metric key, e.g. 'walltime'."),
			mcp.Required(),
		),
		mcp.WithString("output_svg_path",
			mcp.Description("Path of the generated SVG file (absolute, or relative to the server working directory)."),
			mcp.Required(),
		),
		thresholdParam(),
	)

	openInteractiveTool := mcp.NewTool("open_interactive_pprof",
		mcp.WithDescription("[macOS only] Starts the interactive 'go tool pprof' web UI for a metric tree in the background and returns its PID."),
		targetURIParam(),
		groupIDParam(),
		mcp.WithString("metric",
			mcp.Description("Metric key, e.g. 'walltime'."),
			mcp.Required(),
		),
		mcp.WithString("http_address",
			mcp.Description("Listen address of the pprof web UI (e.g. ':8081')."),
		),
	)

	disconnectTool := mcp.NewTool("disconnect_pprof_session",
		mcp.WithDescription("Terminates a background pprof process started by 'open_interactive_pprof'."),
		mcp.WithNumber("pid",
			mcp.Description("PID returned by 'open_interactive_pprof'."),
			mcp.Required(),
		),
	)

	mcpServer.AddTool(openTimelineTool, h.handleOpenTimeline)
	mcpServer.AddTool(closeTimelineTool, h.handleCloseTimeline)
	mcpServer.AddTool(listTimelinesTool, h.handleListTimelines)
	mcpServer.AddTool(flameGraphTool, h.handleGetFlameGraph)
	mcpServer.AddTool(rooflineTool, h.handleGetRoofline)
	mcpServer.AddTool(addPointTool, h.handleAddRooflinePoint)
	mcpServer.AddTool(deletePointTool, h.handleDeleteRooflinePoint)
	mcpServer.AddTool(sourceTool, h.handleGetSource)
	mcpServer.AddTool(flamegraphTool, h.handleGenerateFlamegraph)
	mcpServer.AddTool(openInteractiveTool, h.handleOpenInteractivePprof)
	mcpServer.AddTool(disconnectTool, h.handleDisconnectPprofSession)

	return mcpServer
}
