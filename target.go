package main

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
	"github.com/ZephyrDeng/perftimeline-mcp/backend"
	"github.com/ZephyrDeng/perftimeline-mcp/results"
	"github.com/ZephyrDeng/perftimeline-mcp/store"
)

// resolvedTarget is an analysis target named by a URI. Open creates the fetcher
// serving it; it is only called when the target is not open yet.
type resolvedTarget struct {
	URI    string
	Target analyzer.Target
	Open   func() (store.Fetcher, error)
}

// targetResolver maps target URIs onto results servers and local results storages:
//   - http(s)://host[/prefix]/<session>/<node> is served by the results server at
//     http(s)://host[/prefix];
//   - file:///<storage>/<session>/<node> is read from the local results storage;
//   - a plain <session>/<node> uses the configured backend URL or storage root.
type targetResolver struct {
	conf       *Config
	l          *zap.Logger
	clientOpts []backend.ClientOption

	mu      sync.Mutex
	clients map[string]*backend.Client
}

func newTargetResolver(conf *Config, logger *zap.Logger, clientOpts ...backend.ClientOption) *targetResolver {
	return &targetResolver{
		conf:       conf,
		l:          logger,
		clientOpts: clientOpts,
		clients:    make(map[string]*backend.Client),
	}
}

func (r *targetResolver) Resolve(raw string) (*resolvedTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty target uri")
	}

	if !strings.Contains(raw, "://") {
		return r.resolveShort(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target uri %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		return r.resolveStorage(u.Path)
	case "http", "https":
		prefix, target, err := splitTargetPath(u.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid target uri %q: %w", raw, err)
		}
		base := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host, Path: prefix}
		return r.resolveServer(base.String(), target), nil
	default:
		return nil, fmt.Errorf("unsupported target uri scheme %q, only 'file://', 'http://' and 'https://' are supported", u.Scheme)
	}
}

func (r *targetResolver) resolveShort(raw string) (*resolvedTarget, error) {
	prefix, target, err := splitTargetPath(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if prefix != "" {
		return nil, fmt.Errorf("invalid target %q: expected <session>/<node>", raw)
	}

	switch {
	case r.conf.Backend.URL != "":
		return r.resolveServer(strings.TrimSuffix(r.conf.Backend.URL, "/"), target), nil
	case r.conf.Storage.Root != "":
		return r.resolveStorage(filepath.Join(r.conf.Storage.Root, target.Session, target.Node))
	default:
		return nil, fmt.Errorf("target %q needs a backend url or a storage root in the configuration", raw)
	}
}

func (r *targetResolver) resolveServer(base string, target analyzer.Target) *resolvedTarget {
	return &resolvedTarget{
		URI:    base + "/" + target.Session + "/" + target.Node,
		Target: target,
		Open: func() (store.Fetcher, error) {
			client, err := r.client(base)
			if err != nil {
				return nil, err
			}
			return client.Target(target), nil
		},
	}
}

func (r *targetResolver) resolveStorage(p string) (*resolvedTarget, error) {
	p = filepath.Clean(p)
	if !filepath.IsAbs(p) {
		return nil, fmt.Errorf("results path %q must be absolute", p)
	}
	node := filepath.Base(p)
	session := filepath.Base(filepath.Dir(p))
	storage := filepath.Dir(filepath.Dir(p))
	if node == string(filepath.Separator) || session == string(filepath.Separator) {
		return nil, fmt.Errorf("results path %q must end with <session>/<node>", p)
	}

	target := analyzer.Target{Session: session, Node: node}
	return &resolvedTarget{
		URI:    "file://" + filepath.ToSlash(p),
		Target: target,
		Open: func() (store.Fetcher, error) {
			dir, err := results.Open(storage, session, node, results.WithLogger(r.l))
			if err != nil {
				return nil, err
			}
			r.l.Debug("Opened local results", zap.String("path", dir.Path()))
			return dir, nil
		},
	}, nil
}

// client returns the shared client of a results server.
func (r *targetResolver) client(base string) (*backend.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[base]; ok {
		return c, nil
	}

	opts := []backend.ClientOption{
		backend.WithBaseURL(base),
		backend.WithLogger(r.l),
		backend.WithTimeout(r.conf.Backend.Timeout),
		backend.WithRetryCount(r.conf.Backend.RetryCount),
	}
	c, err := backend.NewClient(append(opts, r.clientOpts...)...)
	if err != nil {
		return nil, err
	}
	r.clients[base] = c
	return c, nil
}

// splitTargetPath splits /prefix.../<session>/<node>[/] into the prefix and the target.
func splitTargetPath(p string) (prefix string, target analyzer.Target, err error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return "", analyzer.Target{}, fmt.Errorf("path must end with <session>/<node>")
	}
	target = analyzer.Target{Session: parts[len(parts)-2], Node: parts[len(parts)-1]}
	if len(parts) > 2 {
		prefix = "/" + strings.Join(parts[:len(parts)-2], "/")
	}
	return prefix, target, nil
}
