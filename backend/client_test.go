package backend_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
	"github.com/ZephyrDeng/perftimeline-mcp/backend"
)

const (
	baseURL  = "http://results.localhost"
	nodeURL  = baseURL + "/session-1/node-a/"
	treeJSON = `{"id": "10_10", "name": "app", "pid_tid": "10/10", "start_time": 0,
		"runtime": 100, "sampled_time": 90, "off_cpu": [[5, 5]], "metrics": {}, "children": []}`
	callchainJSON = `{"syscall": {"s1": ["clone", "libc.so.6"]}, "walltime": {"w1": ["main", "/bin/app"]}}`
	flameJSON     = `{"walltime": [{"name": "all", "value": 10, "children": []}, {"name": "all", "value": 10, "children": []}]}`
	rooflineJSON  = `{"type": "roofline", "l1": "32768", "l2": "1048576", "l3": "8388608", "models": []}`
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	target := analyzer.Target{Session: "session-1", Node: "node-a"}

	t.Run("documents", func(t *testing.T) {
		transport := makeMockHTTPTransport(t)
		client, err := makeTestClient(t, transport, backend.WithBaseURL(baseURL+"/"))
		require.NoError(t, err)
		endpoint := client.Target(target)

		root, err := endpoint.FetchTraceTree(ctx)
		require.NoError(t, err)
		require.Equal(t, "10_10", root.ID)
		require.Equal(t, analyzer.OffCPUIntervals{{Start: 5, Duration: 5}}, root.OffCPU)

		mappings, err := endpoint.FetchCallchains(ctx)
		require.NoError(t, err)
		require.Equal(t, "clone", mappings[analyzer.SyscallKey]["s1"].Name)

		graphs, err := endpoint.FetchFlameGraphs(ctx, "10", "10", 0.05)
		require.NoError(t, err)
		require.Equal(t, 10.0, graphs["walltime"].TimeOrdered().Value)

		raw, err := endpoint.FetchGeneralAnalysis(ctx, "roofline")
		require.NoError(t, err)
		require.JSONEq(t, rooflineJSON, string(raw))

		src, err := endpoint.FetchSource(ctx, "0.c")
		require.NoError(t, err)
		require.Equal(t, "int main() {}\n", src)
	})

	t.Run("not found", func(t *testing.T) {
		transport := makeMockHTTPTransport(t)
		client, err := makeTestClient(t, transport, backend.WithBaseURL(baseURL))
		require.NoError(t, err)
		endpoint := client.Target(target)

		_, err = endpoint.FetchGeneralAnalysis(ctx, "cache-misses")
		require.ErrorIs(t, err, analyzer.ErrNotFound)

		_, err = endpoint.FetchSource(ctx, "missing.c")
		require.ErrorIs(t, err, analyzer.ErrNotFound)

		_, err = client.Target(analyzer.Target{Session: "session-1", Node: "empty"}).FetchTraceTree(ctx)
		require.ErrorIs(t, err, analyzer.ErrNotFound)
	})

	t.Run("server error", func(t *testing.T) {
		transport := makeMockHTTPTransport(t)
		client, err := makeTestClient(t, transport, backend.WithBaseURL(baseURL))
		require.NoError(t, err)

		_, err = client.Target(analyzer.Target{Session: "broken", Node: "x"}).FetchCallchains(ctx)
		require.Error(t, err)
		require.NotErrorIs(t, err, analyzer.ErrNotFound)
	})

	t.Run("offline", func(t *testing.T) {
		transport := makeMockHTTPTransport(t)
		client, err := makeTestClient(t, transport, backend.WithBaseURL("http://offline.localhost"))
		require.NoError(t, err)

		_, err = client.Target(target).FetchTraceTree(ctx)
		require.Error(t, err)
	})

	t.Run("nourl", func(t *testing.T) {
		client, err := makeTestClient(t, makeMockHTTPTransport(t))
		require.ErrorIs(t, err, backend.ErrNoEndpoint)
		require.Nil(t, client)
	})

	t.Run("badurl", func(t *testing.T) {
		_, err := makeTestClient(t, makeMockHTTPTransport(t), backend.WithBaseURL("ftp://results.localhost"))
		require.Error(t, err)
	})
}

func makeMockHTTPTransport(t *testing.T) *httpmock.MockTransport {
	transport := httpmock.NewMockTransport()

	// "http://offline.localhost"
	transport.RegisterNoResponder(httpmock.ConnectionFailure)

	transport.RegisterResponder("POST", nodeURL, func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		form := req.PostForm

		switch {
		case form.Get("thread_tree") == "true":
			return httpmock.NewStringResponse(http.StatusOK, treeJSON), nil
		case form.Get("callchain") == "true":
			return httpmock.NewStringResponse(http.StatusOK, callchainJSON), nil
		case form.Has("pid") && form.Has("tid") && form.Has("threshold"):
			require.Equal(t, "0.05", form.Get("threshold"))
			return httpmock.NewStringResponse(http.StatusOK, flameJSON), nil
		case form.Get("general_analysis") == "roofline":
			return httpmock.NewStringResponse(http.StatusOK, rooflineJSON), nil
		case form.Get("src") == "0.c":
			return httpmock.NewStringResponse(http.StatusOK, "int main() {}\n"), nil
		case form.Has("general_analysis") || form.Has("src"):
			return httpmock.NewStringResponse(http.StatusNotFound, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
	})

	transport.RegisterResponder("POST", baseURL+"/session-1/empty/",
		httpmock.NewStringResponder(http.StatusOK, "{}"))

	transport.RegisterResponder("POST", baseURL+"/broken/x/",
		httpmock.NewStringResponder(http.StatusInternalServerError, "Internal server error"))

	return transport
}

func makeTestClient(t *testing.T, transport *httpmock.MockTransport, opts ...backend.ClientOption) (*backend.Client, error) {
	opts = append(opts,
		backend.WithLogger(zaptest.NewLogger(t)),
		backend.WithRetryCount(0),
		backend.WithHTTPClientOption(func(c *resty.Client) error {
			c.SetTransport(transport)
			return nil
		}),
	)

	return backend.NewClient(opts...)
}
