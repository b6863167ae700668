package analyzer

// CompressedBlockName is the name of a synthetic node grouping blocks that are too
// small to be drawn individually.
const CompressedBlockName = "(compressed)"

// AllChildren returns the children of n including those hidden in a compressed block.
func (n *MetricTreeNode) AllChildren() []*MetricTreeNode {
	if n.CompressedID != nil {
		return n.HiddenChildren
	}
	return n.Children
}

// IsCompressed reports whether n is a synthetic compressed block.
func (n *MetricTreeNode) IsCompressed() bool {
	return n.CompressedID != nil
}

// compressTask is an entry of the compression work stack.
type compressTask struct {
	node *MetricTreeNode
	// total is the value the threshold applies to: the tree total, or the value
	// of the enclosing compressed block.
	total            float64
	parentCompressed bool
}

// CompressFlameGraph folds every child whose value is below threshold*total into
// "(compressed)" blocks, rewriting root in place. threshold is a fraction in [0, 1].
//
// Time-ordered trees keep the order of their children, so each contiguous run of small
// children becomes its own block. Value-ordered trees get at most one block per node.
// A block is itself compressed against its own value; a block whose children would all
// be folded again is split in halves instead, and chains of single nested blocks are
// collapsed. Hidden children of a block live in HiddenChildren, its Children are empty.
//
// It returns the compressed blocks indexed by their CompressedID.
func CompressFlameGraph(root *MetricTreeNode, threshold float64, timeOrdered bool) []*MetricTreeNode {
	if root == nil {
		return nil
	}

	var blocks []*MetricTreeNode
	stack := []compressTask{{node: root, total: root.Value}}

	newBlock := func(hidden []*MetricTreeNode, value float64) *MetricTreeNode {
		id := len(blocks)
		b := &MetricTreeNode{
			Name:         CompressedBlockName,
			Value:        value,
			Children:     hidden,
			CompressedID: &id,
		}
		blocks = append(blocks, b)
		stack = append(stack, compressTask{node: b, total: value, parentCompressed: true})
		return b
	}

	for len(stack) > 0 {
		task := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children := task.node.Children
		folded := make([]bool, len(children))
		for i, c := range children {
			if c.Value < threshold*task.total {
				folded[i] = true
			} else {
				stack = append(stack, compressTask{node: c, total: task.total})
			}
		}

		kept := make([]*MetricTreeNode, 0, len(children))
		var hidden []*MetricTreeNode
		var hiddenValue float64

		for i, c := range children {
			if folded[i] {
				hiddenValue += c.Value
				hidden = append(hidden, c)
				continue
			}
			if timeOrdered && hiddenValue > 0 {
				if hiddenValue == task.total && task.parentCompressed {
					kept = append(kept, hidden...)
				} else {
					kept = append(kept, newBlock(hidden, hiddenValue))
				}
				hidden, hiddenValue = nil, 0
			}
			kept = append(kept, c)
		}

		if hiddenValue > 0 {
			switch {
			case len(hidden) == 1 && len(hidden[0].Children) == 0:
				kept = append(kept, hidden...)
			case hiddenValue == task.total && task.parentCompressed:
				if len(hidden) > 1 {
					half := len(hidden) / 2
					var first float64
					for _, c := range hidden[:half] {
						first += c.Value
					}
					kept = append(kept,
						newBlock(hidden[:half:half], first),
						newBlock(hidden[half:], hiddenValue-first))
				} else {
					kept = append(kept, hidden...)
				}
			default:
				kept = append(kept, newBlock(hidden, hiddenValue))
			}
		}

		if task.node.IsCompressed() {
			task.node.Children = []*MetricTreeNode{}
			task.node.HiddenChildren = kept
		} else {
			task.node.Children = kept
		}
	}

	// Collapse chains of blocks holding nothing but another block.
	collapsed := make(map[int]bool)
	for _, b := range blocks {
		if collapsed[*b.CompressedID] {
			continue
		}
		for len(b.HiddenChildren) == 1 && b.HiddenChildren[0].IsCompressed() {
			inner := b.HiddenChildren[0]
			collapsed[*inner.CompressedID] = true
			b.HiddenChildren = inner.HiddenChildren
		}
	}

	return blocks
}

// FindCompressedBlock returns the compressed block with the given id, searching
// visible and hidden children.
func FindCompressedBlock(root *MetricTreeNode, id int) (*MetricTreeNode, bool) {
	if root == nil {
		return nil, false
	}
	if root.CompressedID != nil && *root.CompressedID == id {
		return root, true
	}
	for _, c := range root.AllChildren() {
		if b, ok := FindCompressedBlock(c, id); ok {
			return b, true
		}
	}
	return nil, false
}
