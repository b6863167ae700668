package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

// NodeData is the in-memory state of one open analysis target: the trace tree,
// the callchain mappings, the metadata captured from the trace, memoized timelines,
// flame graphs and general analyses, and the roofline points added by the user.
type NodeData struct {
	uri      string
	target   analyzer.Target
	fetcher  Fetcher
	l        *zap.Logger
	registry *Registry
	flights  singleflight.Group

	// Set once by load.
	trace        *analyzer.TraceNode
	callchains   analyzer.CallchainMappings
	callchainErr error
	meta         *analyzer.SessionMetadata
	groups       map[string]*analyzer.TraceNode

	mu          sync.Mutex
	disposed    bool
	timelines   map[analyzer.MaterializeOptions]*analyzer.MaterializationResult
	flameGraphs map[string]analyzer.FlameGraphSet
	general     map[string]json.RawMessage
	points      map[string]analyzer.RooflinePoint
	pointOrder  []string
}

func (n *NodeData) load(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		trace, err := n.fetcher.FetchTraceTree(gctx)
		if err != nil {
			return fmt.Errorf("failed to fetch trace tree of %s: %w", n.uri, err)
		}
		n.trace = trace
		return nil
	})
	g.Go(func() error {
		callchains, err := n.fetcher.FetchCallchains(gctx)
		if err != nil {
			n.l.Warn("Failed to fetch callchain mappings, symbols stay unresolved", zap.Error(err))
			n.callchainErr = err
			return nil
		}
		n.callchains = callchains
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if n.callchains == nil {
		n.callchains = make(analyzer.CallchainMappings)
	}

	analyzer.CaptureMetadata(n.trace, n.meta)
	n.index(n.trace)

	n.l.Info("Opened analysis target", zap.Int("groups", len(n.groups)))
	return nil
}

func (n *NodeData) index(node *analyzer.TraceNode) {
	if node == nil {
		return
	}
	n.groups[node.ID] = node
	for _, c := range node.Children {
		n.index(c)
	}
}

func (n *NodeData) dispose() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disposed = true
	n.timelines = nil
	n.flameGraphs = nil
	n.general = nil
}

func (n *NodeData) URI() string {
	return n.uri
}

func (n *NodeData) Target() analyzer.Target {
	return n.target
}

func (n *NodeData) Trace() *analyzer.TraceNode {
	return n.trace
}

func (n *NodeData) Callchains() analyzer.CallchainMappings {
	return n.callchains
}

// CallchainWarning returns the error of the callchain fetch, if it failed.
// Symbols are shown as raw ids in that case.
func (n *NodeData) CallchainWarning() error {
	return n.callchainErr
}

// Metadata returns the first-wins metadata captured from the trace tree.
func (n *NodeData) Metadata() *analyzer.SessionMetadata {
	return n.meta
}

// Group returns the trace node of a timeline group.
func (n *NodeData) Group(id string) (*analyzer.TraceNode, bool) {
	node, ok := n.groups[id]
	return node, ok
}

// Materialize returns the timeline of the trace for opts. Results are memoized
// per distinct options.
func (n *NodeData) Materialize(opts analyzer.MaterializeOptions) (*analyzer.MaterializationResult, error) {
	opts.OffCPUScale = analyzer.ClampControl(opts.OffCPUScale, 0, 1)
	opts.WarningThresholdPct = analyzer.ClampControl(opts.WarningThresholdPct, 0, 100)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disposed {
		return nil, ErrDisposed
	}
	if res, ok := n.timelines[opts]; ok {
		return res, nil
	}

	res := analyzer.Materialize(n.trace, opts, n.meta)
	n.timelines[opts] = res
	return res, nil
}

// threadOf returns the pid and tid of a timeline group.
func (n *NodeData) threadOf(groupID string) (pid, tid string, err error) {
	node, ok := n.groups[groupID]
	if !ok {
		return "", "", fmt.Errorf("%w %q", ErrUnknownGroup, groupID)
	}
	if pid, tid, ok := strings.Cut(node.PidTid, "/"); ok {
		return pid, tid, nil
	}
	if pid, tid, ok := strings.Cut(groupID, "_"); ok {
		return pid, tid, nil
	}
	return "", "", fmt.Errorf("%w: group %q has no pid/tid", ErrUnknownGroup, groupID)
}

func flameGraphKey(groupID string, thresholdPct float64) string {
	return groupID + "_" + strconv.FormatFloat(thresholdPct, 'f', -1, 64)
}

// FlameGraphs returns the metric trees of the thread of a timeline group compressed
// with thresholdPct (percent of the parent value). Results are memoized per
// (group, threshold) and concurrent identical requests share one fetch.
func (n *NodeData) FlameGraphs(ctx context.Context, groupID string, thresholdPct float64) (analyzer.FlameGraphSet, error) {
	thresholdPct = analyzer.ClampControl(thresholdPct, 0, 100)
	key := flameGraphKey(groupID, thresholdPct)

	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return nil, ErrDisposed
	}
	if graphs, ok := n.flameGraphs[key]; ok {
		n.mu.Unlock()
		return graphs, nil
	}
	n.mu.Unlock()

	pid, tid, err := n.threadOf(groupID)
	if err != nil {
		return nil, err
	}

	v, err, _ := n.flights.Do("flamegraph/"+key, func() (any, error) {
		graphs, err := n.fetcher.FetchFlameGraphs(ctx, pid, tid, thresholdPct/100)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch flame graphs of %s: %w", groupID, err)
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.disposed {
			return nil, ErrDisposed
		}
		if cached, ok := n.flameGraphs[key]; ok {
			return cached, nil
		}
		n.flameGraphs[key] = graphs
		n.l.Debug("Cached flame graphs", zap.String("key", key), zap.Int("metrics", len(graphs)))
		return graphs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(analyzer.FlameGraphSet), nil
}

// GeneralAnalysis returns the named cross-cutting analysis of the target.
func (n *NodeData) GeneralAnalysis(ctx context.Context, name string) (json.RawMessage, error) {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return nil, ErrDisposed
	}
	if raw, ok := n.general[name]; ok {
		n.mu.Unlock()
		return raw, nil
	}
	n.mu.Unlock()

	v, err, _ := n.flights.Do("general/"+name, func() (any, error) {
		raw, err := n.fetcher.FetchGeneralAnalysis(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch general analysis %q: %w", name, err)
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.disposed {
			return nil, ErrDisposed
		}
		n.general[name] = raw
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// Roofline returns the cache-aware roofline model of the target.
func (n *NodeData) Roofline(ctx context.Context) (*analyzer.RooflineModel, error) {
	raw, err := n.GeneralAnalysis(ctx, analyzer.RooflineAnalysis)
	if err != nil {
		return nil, err
	}
	var model analyzer.RooflineModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("invalid roofline model: %w", err)
	}
	return &model, nil
}

// Source returns the text of a source file referenced by the trace metadata.
// Source texts are kept in the registry-wide cache until the target is closed.
func (n *NodeData) Source(ctx context.Context, path string) (string, error) {
	id, ok := n.meta.SrcIndex[path]
	if !ok {
		return "", fmt.Errorf("%w: source %q is not indexed", analyzer.ErrNotFound, path)
	}

	cache := n.registry.sources
	key := sourceKeyPrefix(n.uri) + id
	if item := cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := n.flights.Do("source/"+id, func() (any, error) {
		text, err := n.fetcher.FetchSource(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch source %q: %w", path, err)
		}

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.disposed {
			return nil, ErrDisposed
		}
		cache.Set(key, text, n.registry.sourceTTL)
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// PointRequest selects the code block a roofline point is derived for.
type PointRequest struct {
	Name    string
	GroupID string
	Metric  string
	// NodePath are the child indices from the root of the metric tree to the node.
	NodePath     []int
	ThresholdPct float64
	TimeOrdered  bool
}

// AddRooflinePoint derives the roofline point of the selected code block, stores it
// under its name and notifies the registry listeners.
func (n *NodeData) AddRooflinePoint(ctx context.Context, req PointRequest) (analyzer.RooflinePoint, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return analyzer.RooflinePoint{}, fmt.Errorf("%w: empty point name", analyzer.ErrInvalidSelection)
	}
	if n.hasPoint(req.Name) {
		return analyzer.RooflinePoint{}, fmt.Errorf("%w: %q", ErrPointExists, req.Name)
	}

	info := n.meta.Roofline
	if info.IsZero() {
		return analyzer.RooflinePoint{}, fmt.Errorf("%w: the target has no roofline metrics", analyzer.ErrInsufficientData)
	}

	graphs, err := n.FlameGraphs(ctx, req.GroupID, req.ThresholdPct)
	if err != nil {
		return analyzer.RooflinePoint{}, err
	}
	pair, ok := graphs[req.Metric]
	if !ok {
		return analyzer.RooflinePoint{}, fmt.Errorf("%w: metric %q of group %q", analyzer.ErrNotFound, req.Metric, req.GroupID)
	}
	tree := pair.ValueOrdered()
	if req.TimeOrdered {
		tree = pair.TimeOrdered()
	}

	selected, err := analyzer.SelectPath(tree, req.NodePath)
	if err != nil {
		return analyzer.RooflinePoint{}, err
	}
	trees := analyzer.BuildRooflineTrees(info, graphs, n.callchains)
	point, err := analyzer.DeriveRooflinePoint(req.Name, selected, n.callchains[req.Metric], trees, info.CPUType)
	if err != nil {
		return analyzer.RooflinePoint{}, err
	}

	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return analyzer.RooflinePoint{}, ErrDisposed
	}
	if _, ok := n.points[point.Name]; ok {
		n.mu.Unlock()
		return analyzer.RooflinePoint{}, fmt.Errorf("%w: %q", ErrPointExists, point.Name)
	}
	n.points[point.Name] = point
	n.pointOrder = append(n.pointOrder, point.Name)
	n.mu.Unlock()

	n.l.Info("Added roofline point",
		zap.String("name", point.Name),
		zap.Float64("arithmetic_intensity", point.ArithmeticIntensity),
		zap.Float64("flops", point.Flops))
	n.registry.notify(n.uri, point)
	return point, nil
}

func (n *NodeData) hasPoint(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.points[name]
	return ok
}

// DeleteRooflinePoint removes a stored point. It reports whether the point existed.
func (n *NodeData) DeleteRooflinePoint(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.points[name]; !ok {
		return false
	}
	delete(n.points, name)
	for i, p := range n.pointOrder {
		if p == name {
			n.pointOrder = append(n.pointOrder[:i], n.pointOrder[i+1:]...)
			break
		}
	}
	return true
}

// RooflinePoints returns the stored points in the order they were added.
func (n *NodeData) RooflinePoints() []analyzer.RooflinePoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	points := make([]analyzer.RooflinePoint, 0, len(n.pointOrder))
	for _, name := range n.pointOrder {
		points = append(points, n.points[name])
	}
	return points
}
