package analyzer

import "fmt"

// instrKeyCount is the number of floating-point instruction counters, in canonical
// order: scalar-single, scalar-double, SSE-single, SSE-double, AVX2-single,
// AVX2-double, AVX512-single, AVX512-double.
const instrKeyCount = 8

// WalltimeKey is the metric key of the walltime flame graph.
const WalltimeKey = "walltime"

// intelFlopWeights are the FLOPs per instruction for each counter.
var intelFlopWeights = [instrKeyCount]float64{1, 1, 4, 2, 8, 4, 16, 8}

// AlignTarget is a metric tree (value-ordered) together with the callchain map
// its node names are resolved through. A nil Tree means the metric is absent.
type AlignTarget struct {
	Tree       *MetricTreeNode
	Callchains CallchainMap
}

// RooflineTrees are the trees a roofline point is derived from, in the order of
// RooflineInfo.AIKeys and RooflineInfo.InstrKeys.
type RooflineTrees struct {
	AI       []AlignTarget
	Instr    []AlignTarget
	Walltime AlignTarget
}

// SelectPath follows child indices from root and returns the nodes from root to the
// selected node inclusive.
func SelectPath(root *MetricTreeNode, indices []int) ([]*MetricTreeNode, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: empty tree", ErrInvalidSelection)
	}
	path := []*MetricTreeNode{root}
	cur := root
	for depth, idx := range indices {
		if idx < 0 || idx >= len(cur.Children) {
			return nil, fmt.Errorf("%w: child %d does not exist at depth %d", ErrInvalidSelection, idx, depth+1)
		}
		cur = cur.Children[idx]
		path = append(path, cur)
	}
	return path, nil
}

// BuildRooflineTrees picks the value-ordered trees named by info out of the flame
// graphs of one thread. Metrics absent for the thread yield nil trees.
func BuildRooflineTrees(info RooflineInfo, graphs FlameGraphSet, mappings CallchainMappings) RooflineTrees {
	target := func(key string) AlignTarget {
		return AlignTarget{Tree: graphs[key].ValueOrdered(), Callchains: mappings[key]}
	}
	trees := RooflineTrees{Walltime: target(WalltimeKey)}
	for _, k := range info.AIKeys {
		trees.AI = append(trees.AI, target(k))
	}
	for _, k := range info.InstrKeys {
		trees.Instr = append(trees.Instr, target(k))
	}
	return trees
}

// SymbolPath translates every node of a root-to-leaf path into a symbol identity.
// Compressed blocks carry no symbol and are skipped.
func SymbolPath(path []*MetricTreeNode, callchains CallchainMap) []Symbol {
	symbols := make([]Symbol, 0, len(path))
	for _, n := range path {
		if n.IsCompressed() {
			continue
		}
		symbols = append(symbols, callchains.Resolve(n.Name))
	}
	return symbols
}

// candidates lists the children of n, looking through compressed blocks.
func candidates(n *MetricTreeNode) []*MetricTreeNode {
	var out []*MetricTreeNode
	for _, c := range n.AllChildren() {
		if c.IsCompressed() {
			out = append(out, candidates(c)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

// AlignPath descends from the root of target.Tree following symbols (which must not
// include the root itself) and returns the node reached. It reports false as soon as
// a step has no matching child. Compressed blocks are looked through.
func AlignPath(target AlignTarget, symbols []Symbol) (*MetricTreeNode, bool) {
	cur := target.Tree
	if cur == nil {
		return nil, false
	}
	for _, want := range symbols {
		var next *MetricTreeNode
		for _, child := range candidates(cur) {
			if target.Callchains.Resolve(child.Name).Matches(want) {
				next = child
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// alignValues aligns every target independently and returns the leaf values plus
// the number of targets that failed (and contribute 0).
func alignValues(targets []AlignTarget, symbols []Symbol) ([]float64, int) {
	values := make([]float64, len(targets))
	zeroed := 0
	for i, t := range targets {
		node, ok := AlignPath(t, symbols)
		if !ok {
			zeroed++
			continue
		}
		values[i] = node.Value
	}
	return values, zeroed
}

// DeriveRooflinePoint derives the roofline point of the code block selected in a
// metric tree. selected is the root-to-node path in that tree and selectedCallchains
// the callchain map of its metric.
func DeriveRooflinePoint(name string, selected []*MetricTreeNode, selectedCallchains CallchainMap,
	trees RooflineTrees, cpu CPUType) (RooflinePoint, error) {
	if len(selected) == 0 {
		return RooflinePoint{}, fmt.Errorf("%w: no node selected", ErrInvalidSelection)
	}

	switch cpu {
	case CPUIntelX86, CPUAMDX86:
	default:
		return RooflinePoint{}, fmt.Errorf("%w: %q", ErrUnsupportedCPU, cpu)
	}

	// The roots of all metric trees correspond, so alignment starts below them.
	symbols := SymbolPath(selected, selectedCallchains)
	if len(symbols) > 0 {
		symbols = symbols[1:]
	}

	ai, zeroedAI := alignValues(trees.AI, symbols)
	instr, zeroedInstr := alignValues(trees.Instr, symbols)
	wall, wallOK := AlignPath(trees.Walltime, symbols)

	if !wallOK || zeroedAI == len(ai) || zeroedInstr == len(instr) {
		return RooflinePoint{}, ErrInsufficientData
	}
	if len(instr) != instrKeyCount {
		return RooflinePoint{}, fmt.Errorf("%w: expected %d instruction counters, got %d",
			ErrInsufficientData, instrKeyCount, len(instr))
	}

	var instrSum, single, double float64
	for i, n := range instr {
		instrSum += n
		if i%2 == 0 {
			single += n
		} else {
			double += n
		}
	}
	seconds := wall.Value / 1e9
	if instrSum == 0 || seconds == 0 {
		return RooflinePoint{}, ErrInsufficientData
	}
	bytesPerOp := 4*(single/instrSum) + 8*(double/instrSum)

	var flop, memOps float64
	switch cpu {
	case CPUIntelX86:
		for i, n := range instr {
			flop += intelFlopWeights[i] * n
		}
		memOps = ai[0]
	case CPUAMDX86:
		if len(ai) < 2 {
			return RooflinePoint{}, fmt.Errorf("%w: expected 2 memory counters, got %d", ErrInsufficientData, len(ai))
		}
		// Plain instruction sum, no SIMD width weights.
		flop = instrSum
		memOps = ai[0] + ai[1]
	}
	if memOps == 0 {
		return RooflinePoint{}, ErrInsufficientData
	}

	return RooflinePoint{
		Name:                name,
		ArithmeticIntensity: flop / (memOps * bytesPerOp),
		Flops:               flop / seconds,
	}, nil
}
