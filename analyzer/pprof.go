package analyzer

import (
	"fmt"
	"math"

	"github.com/google/pprof/profile"
)

// MetricTreeToProfile converts a metric tree into a pprof profile so that it can be
// rendered by `go tool pprof`. Every node with a positive self value becomes a sample
// whose stack runs from that node up to (but excluding) the tree root. Compressed
// blocks are transparent: their hidden children are attached to the block's parent.
//
// Symbol ids are resolved through callchains; functions are keyed by [name, module].
func MetricTreeToProfile(root *MetricTreeNode, callchains CallchainMap, sampleType, unit string) (*profile.Profile, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: empty metric tree", ErrNotFound)
	}
	if unit == "" {
		unit = "count"
	}

	b := &profileBuilder{
		callchains: callchains,
		functions:  make(map[SymbolInfo]*profile.Location),
		p: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: sampleType, Unit: unit}},
			PeriodType: &profile.ValueType{Type: sampleType, Unit: unit},
			Period:     1,
		},
	}
	for _, c := range root.AllChildren() {
		b.add(c, nil)
	}

	if err := b.p.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile built from metric tree: %w", err)
	}
	return b.p, nil
}

type profileBuilder struct {
	callchains CallchainMap
	functions  map[SymbolInfo]*profile.Location
	p          *profile.Profile
}

// add walks node; stack holds the locations of its ancestors, leaf-last.
func (b *profileBuilder) add(node *MetricTreeNode, stack []*profile.Location) {
	if node.IsCompressed() {
		for _, c := range node.AllChildren() {
			b.add(c, stack)
		}
		return
	}

	stack = append(stack[:len(stack):len(stack)], b.location(node.Name))

	if self := int64(math.Round(node.SelfValue())); self > 0 {
		// pprof stacks are leaf-first.
		locs := make([]*profile.Location, len(stack))
		for i, l := range stack {
			locs[len(stack)-1-i] = l
		}
		b.p.Sample = append(b.p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{self},
		})
	}

	for _, c := range node.AllChildren() {
		b.add(c, stack)
	}
}

func (b *profileBuilder) location(id string) *profile.Location {
	sym := b.callchains.Resolve(id)
	key := SymbolInfo{Name: sym.String(), Module: sym.Module}
	if loc, ok := b.functions[key]; ok {
		return loc
	}

	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       key.Name,
		SystemName: id,
		Filename:   key.Module,
	}
	loc := &profile.Location{
		ID:   uint64(len(b.p.Location) + 1),
		Line: []profile.Line{{Function: fn}},
	}
	b.p.Function = append(b.p.Function, fn)
	b.p.Location = append(b.p.Location, loc)
	b.functions[key] = loc
	return loc
}
