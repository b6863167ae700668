package analyzer_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

func node(name string, value float64, children ...*analyzer.MetricTreeNode) *analyzer.MetricTreeNode {
	return &analyzer.MetricTreeNode{Name: name, Value: value, Children: children}
}

func names(nodes []*analyzer.MetricTreeNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestCompressFlameGraphValueOrdered(t *testing.T) {
	root := node("all", 100,
		node("a", 60),
		node("b", 30),
		node("c", 6),
		node("d", 4),
	)

	blocks := analyzer.CompressFlameGraph(root, 0.1, false)

	require.Len(t, blocks, 1)
	require.Equal(t, []string{"a", "b", analyzer.CompressedBlockName}, names(root.Children))

	block := root.Children[2]
	require.Same(t, blocks[0], block)
	require.Equal(t, 10.0, block.Value)
	require.Equal(t, 0, *block.CompressedID)
	require.Empty(t, block.Children)
	require.Equal(t, []string{"c", "d"}, names(block.HiddenChildren))
	require.Equal(t, []string{"c", "d"}, names(block.AllChildren()))
}

func TestCompressFlameGraphSingleLeafIsKept(t *testing.T) {
	root := node("all", 100, node("a", 95), node("b", 5))

	blocks := analyzer.CompressFlameGraph(root, 0.1, false)

	require.Empty(t, blocks)
	require.Equal(t, []string{"a", "b"}, names(root.Children))
}

func TestCompressFlameGraphTimeOrdered(t *testing.T) {
	root := node("all", 100,
		node("a", 3),
		node("b", 2),
		node("c", 50),
		node("d", 4),
		node("e", 41),
	)

	blocks := analyzer.CompressFlameGraph(root, 0.1, true)

	require.Len(t, blocks, 2)
	require.Equal(t, []string{analyzer.CompressedBlockName, "c", analyzer.CompressedBlockName, "e"}, names(root.Children))

	first, second := root.Children[0], root.Children[2]
	require.Equal(t, 0, *first.CompressedID)
	require.Equal(t, 5.0, first.Value)
	require.Equal(t, []string{"a", "b"}, names(first.HiddenChildren))
	require.Equal(t, 1, *second.CompressedID)
	require.Equal(t, []string{"d"}, names(second.HiddenChildren))
}

func TestCompressFlameGraphSplitsSaturatedBlock(t *testing.T) {
	root := node("all", 100, node("a", 30), node("b", 30), node("c", 40))

	blocks := analyzer.CompressFlameGraph(root, 0.5, false)

	require.Len(t, blocks, 3)
	require.Len(t, root.Children, 1)

	outer := root.Children[0]
	require.Equal(t, 100.0, outer.Value)
	require.Len(t, outer.HiddenChildren, 2)

	left, right := outer.HiddenChildren[0], outer.HiddenChildren[1]
	require.Equal(t, 1, *left.CompressedID)
	require.Equal(t, 30.0, left.Value)
	require.Equal(t, []string{"a"}, names(left.HiddenChildren))
	require.Equal(t, 2, *right.CompressedID)
	require.Equal(t, 70.0, right.Value)
	require.Equal(t, []string{"c", "b"}, names(right.HiddenChildren))

	found, ok := analyzer.FindCompressedBlock(root, 2)
	require.True(t, ok)
	require.Same(t, right, found)
	_, ok = analyzer.FindCompressedBlock(root, 7)
	require.False(t, ok)
}

func TestCompressFlameGraphZeroThreshold(t *testing.T) {
	root := node("all", 10, node("a", 9), node("b", 1))
	require.Empty(t, analyzer.CompressFlameGraph(root, 0, true))
	require.Equal(t, []string{"a", "b"}, names(root.Children))

	raw, err := json.Marshal(root)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "compressed_id")
}

func TestMetricTreeToProfile(t *testing.T) {
	root := node("all", 10,
		node("f1", 10,
			node("f2", 6),
			node("f3", 4),
		),
	)
	callchains := analyzer.CallchainMap{
		"f1": {Name: "main", Module: "/bin/app"},
		"f2": {Name: "work", Module: "/bin/app"},
	}

	p, err := analyzer.MetricTreeToProfile(root, callchains, "walltime", "nanoseconds")
	require.NoError(t, err)
	require.Len(t, p.Function, 3)
	require.Len(t, p.Sample, 2)
	require.Equal(t, "nanoseconds", p.SampleType[0].Unit)

	var stacks [][]string
	var total int64
	for _, s := range p.Sample {
		var stack []string
		for _, loc := range s.Location {
			stack = append(stack, loc.Line[0].Function.Name)
		}
		stacks = append(stacks, stack)
		total += s.Value[0]
	}
	require.Equal(t, [][]string{{"work", "main"}, {"f3", "main"}}, stacks)
	require.Equal(t, int64(10), total)

	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 2)
}

func TestMetricTreeToProfileSkipsCompressedBlocks(t *testing.T) {
	root := node("all", 10, node("a", 7), node("b", 2), node("c", 1, node("d", 1)))
	analyzer.CompressFlameGraph(root, 0.5, false)

	p, err := analyzer.MetricTreeToProfile(root, nil, "cycles", "")
	require.NoError(t, err)
	for _, fn := range p.Function {
		require.NotEqual(t, analyzer.CompressedBlockName, fn.Name)
	}
	require.Equal(t, "count", p.SampleType[0].Unit)
	require.Len(t, p.Sample, 3)
}
