package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

// Fetcher serves the documents of one analysis target. It is implemented by the
// HTTP backend client and by local results directories.
type Fetcher interface {
	FetchTraceTree(ctx context.Context) (*analyzer.TraceNode, error)
	FetchCallchains(ctx context.Context) (analyzer.CallchainMappings, error)
	FetchFlameGraphs(ctx context.Context, pid, tid string, threshold float64) (analyzer.FlameGraphSet, error)
	FetchGeneralAnalysis(ctx context.Context, name string) (json.RawMessage, error)
	FetchSource(ctx context.Context, id string) (string, error)
}

var (
	// ErrDisposed is returned when a fetch completes after its target was closed.
	// Nothing is written into the store in that case.
	ErrDisposed = errors.New("analysis target was closed")

	// ErrPointExists is returned when a roofline point name is already taken.
	ErrPointExists = errors.New("roofline point with this name already exists")

	// ErrUnknownGroup is returned for a timeline group id absent from the trace.
	ErrUnknownGroup = errors.New("unknown timeline group")
)

// PointListener is notified of every roofline point added to any open target.
type PointListener func(uri string, point analyzer.RooflinePoint)

////////////////////////////////////////////////////////////////////////////////

type Option func(r *Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.l = logger.Named("store")
	}
}

// WithSourceCache sets the number of source files kept in memory and how long
// they are kept.
func WithSourceCache(maxSize int64, ttl time.Duration) Option {
	return func(r *Registry) {
		r.sourceCacheSize = maxSize
		r.sourceTTL = ttl
	}
}

const (
	defaultSourceCacheSize = 256
	defaultSourceTTL       = time.Hour
)

// Registry owns the node data of every open analysis target. Targets are keyed by
// their URI, so the same session/node served by two backends are distinct targets.
type Registry struct {
	l               *zap.Logger
	sourceCacheSize int64
	sourceTTL       time.Duration
	sources         *ccache.Cache[string]

	opening singleflight.Group

	mu    sync.Mutex
	nodes map[string]*NodeData

	// pending holds the targets being loaded; false once closed during the load.
	pending    map[string]bool
	listeners  map[int]PointListener
	listenerID int
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		l:               zap.NewNop(),
		sourceCacheSize: defaultSourceCacheSize,
		sourceTTL:       defaultSourceTTL,
		nodes:           make(map[string]*NodeData),
		pending:         make(map[string]bool),
		listeners:       make(map[int]PointListener),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sources = ccache.New(ccache.Configure[string]().MaxSize(r.sourceCacheSize))
	return r
}

// Open returns the node data of the target at uri, fetching the trace tree and the
// callchain mappings the first time the target is opened. Concurrent opens of the
// same target share one load. A target closed before its load completes is not
// registered and Open returns ErrDisposed.
func (r *Registry) Open(ctx context.Context, uri string, target analyzer.Target, fetcher Fetcher) (*NodeData, error) {
	if n, ok := r.Get(uri); ok {
		return n, nil
	}

	v, err, _ := r.opening.Do(uri, func() (any, error) {
		r.mu.Lock()
		if n, ok := r.nodes[uri]; ok {
			r.mu.Unlock()
			return n, nil
		}
		r.pending[uri] = true
		r.mu.Unlock()

		n := &NodeData{
			uri:         uri,
			target:      target,
			fetcher:     fetcher,
			l:           r.l.With(zap.String("target", uri)),
			registry:    r,
			meta:        analyzer.NewSessionMetadata(),
			groups:      make(map[string]*analyzer.TraceNode),
			timelines:   make(map[analyzer.MaterializeOptions]*analyzer.MaterializationResult),
			flameGraphs: make(map[string]analyzer.FlameGraphSet),
			general:     make(map[string]json.RawMessage),
			points:      make(map[string]analyzer.RooflinePoint),
		}
		err := n.load(ctx)

		r.mu.Lock()
		live := r.pending[uri]
		delete(r.pending, uri)
		if err == nil && live {
			r.nodes[uri] = n
		}
		r.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if !live {
			n.dispose()
			n.l.Info("Analysis target closed while opening")
			return nil, ErrDisposed
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*NodeData), nil
}

// Get returns the node data of an open target.
func (r *Registry) Get(uri string) (*NodeData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[uri]
	return n, ok
}

// Close disposes the node data of the target at uri. In-flight fetches of the
// target, its first load included, complete with ErrDisposed.
func (r *Registry) Close(uri string) bool {
	r.mu.Lock()
	n, ok := r.nodes[uri]
	delete(r.nodes, uri)
	loading := r.pending[uri]
	if loading {
		r.pending[uri] = false
	}
	r.mu.Unlock()

	if loading {
		r.sources.DeletePrefix(sourceKeyPrefix(uri))
		r.l.Info("Cancelled opening analysis target", zap.String("target", uri))
		return true
	}
	if !ok {
		return false
	}
	n.dispose()
	r.sources.DeletePrefix(sourceKeyPrefix(uri))
	r.l.Info("Closed analysis target", zap.String("target", uri))
	return true
}

// CloseAll disposes every open target and stops the source cache.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	nodes := r.nodes
	r.nodes = make(map[string]*NodeData)
	for uri := range r.pending {
		r.pending[uri] = false
	}
	r.mu.Unlock()

	for _, n := range nodes {
		n.dispose()
	}
	r.sources.Stop()
}

// URIs returns the URIs of the open targets, sorted.
func (r *Registry) URIs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	uris := make([]string, 0, len(r.nodes))
	for uri := range r.nodes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Subscribe registers a listener for new roofline points. The returned function
// removes it.
func (r *Registry) Subscribe(l PointListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.listenerID
	r.listenerID++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) notify(uri string, point analyzer.RooflinePoint) {
	r.mu.Lock()
	listeners := make([]PointListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(uri, point)
	}
}

func sourceKeyPrefix(uri string) string {
	return uri + "\x00"
}
