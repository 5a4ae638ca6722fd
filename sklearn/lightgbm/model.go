package lightgbm

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/explainable-platform/shapserve/core/model"
)

// NodeType represents the type of a tree node
type NodeType int

const (
	// LeafNode represents a terminal node with a value
	LeafNode NodeType = iota
	// NumericalNode represents a node with numerical split
	NumericalNode
	// CategoricalNode represents a node with categorical split
	CategoricalNode
)

// MissingType is LightGBM's per-node missing value handling.
type MissingType int

const (
	// MissingNone treats NaN as zero and has no default direction.
	MissingNone MissingType = iota
	// MissingZero sends zero (and NaN) to the default direction.
	MissingZero
	// MissingNaN sends NaN to the default direction.
	MissingNaN
)

// kZeroThreshold is LightGBM's tolerance for treating a value as zero.
const kZeroThreshold = 1e-35

func parseMissingType(s string) MissingType {
	switch s {
	case "Zero":
		return MissingZero
	case "NaN":
		return MissingNaN
	default:
		return MissingNone
	}
}

// Node is one node of a flattened tree. Leaves have Left == Right == -1.
type Node struct {
	NodeType    NodeType
	Left        int
	Right       int
	Feature     int
	Threshold   float64
	Categories  []int // sorted, categorical splits only
	DefaultLeft bool
	Missing     MissingType

	// Value is the leaf output for leaves and the internal value for splits.
	Value float64
	// Cover is the number of training samples that reached the node.
	Cover float64
}

// IsLeaf returns true if the node is a leaf node
func (n *Node) IsLeaf() bool {
	return n.Left < 0 && n.Right < 0
}

// next returns the child that x follows at this split.
func (n *Node) next(x []float64) int {
	fval := x[n.Feature]

	if n.NodeType == CategoricalNode {
		if math.IsNaN(fval) {
			if n.Missing == MissingNaN {
				return n.Right
			}
			fval = 0
		}
		if fval < 0 {
			return n.Right
		}
		cat := int(fval)
		i := sort.SearchInts(n.Categories, cat)
		if i < len(n.Categories) && n.Categories[i] == cat {
			return n.Left
		}
		return n.Right
	}

	if math.IsNaN(fval) && n.Missing != MissingNaN {
		fval = 0
	}
	if (n.Missing == MissingZero && math.Abs(fval) <= kZeroThreshold) ||
		(n.Missing == MissingNaN && math.IsNaN(fval)) {
		if n.DefaultLeft {
			return n.Left
		}
		return n.Right
	}
	if fval <= n.Threshold {
		return n.Left
	}
	return n.Right
}

// Tree represents a single decision tree in the ensemble. Nodes[0] is the root.
type Tree struct {
	TreeIndex int
	NumLeaves int
	Shrinkage float64
	MaxDepth  int
	Nodes     []Node
}

// Leaf returns the index of the leaf node x lands in.
func (t *Tree) Leaf(x []float64) int {
	idx := 0
	for !t.Nodes[idx].IsLeaf() {
		idx = t.Nodes[idx].next(x)
	}
	return idx
}

// Predict returns the leaf value for x. Dumped leaf values already include shrinkage.
func (t *Tree) Predict(x []float64) float64 {
	return t.Nodes[t.Leaf(x)].Value
}

// ExpectedValue returns the cover-weighted mean leaf value of the tree.
func (t *Tree) ExpectedValue() float64 {
	return t.expected(0)
}

func (t *Tree) expected(idx int) float64 {
	n := &t.Nodes[idx]
	if n.IsLeaf() {
		return n.Value
	}
	l, r := &t.Nodes[n.Left], &t.Nodes[n.Right]
	total := l.Cover + r.Cover
	if total <= 0 {
		return 0.5*t.expected(n.Left) + 0.5*t.expected(n.Right)
	}
	return (l.Cover*t.expected(n.Left) + r.Cover*t.expected(n.Right)) / total
}

// ObjectiveType represents the objective function type
type ObjectiveType string

const (
	RegressionL2 ObjectiveType = "regression"

	// Binary classification objectives
	BinaryLogistic     ObjectiveType = "binary"
	BinaryCrossEntropy ObjectiveType = "cross_entropy"

	// Multiclass classification objectives
	MulticlassSoftmax ObjectiveType = "multiclass"
	MulticlassOVA     ObjectiveType = "multiclassova"
)

// parseObjective splits "binary sigmoid:1" into its name and key:value parameters.
func parseObjective(obj string) (ObjectiveType, map[string]string) {
	params := make(map[string]string)
	parts := strings.Fields(obj)
	if len(parts) == 0 {
		return RegressionL2, params
	}
	for _, p := range parts[1:] {
		if k, v, ok := strings.Cut(p, ":"); ok {
			params[k] = v
		}
	}
	switch parts[0] {
	case "binary":
		return BinaryLogistic, params
	case "cross_entropy", "xentropy":
		return BinaryCrossEntropy, params
	case "multiclass", "softmax":
		return MulticlassSoftmax, params
	case "multiclassova", "multiclass_ova", "ova", "ovr":
		return MulticlassOVA, params
	default:
		return ObjectiveType(parts[0]), params
	}
}

// Model is a LightGBM ensemble decoded from a JSON dump.
type Model struct {
	Objective           ObjectiveType
	Sigmoid             float64
	NumClass            int
	NumTreePerIteration int
	AverageOutput       bool
	Trees               []Tree

	featureNames []string
	state        *model.StateManager
}

// IsClassifier reports whether the objective yields class probabilities.
func (m *Model) IsClassifier() bool {
	switch m.Objective {
	case BinaryLogistic, BinaryCrossEntropy, MulticlassSoftmax, MulticlassOVA:
		return true
	default:
		return false
	}
}

// NumIterations returns the number of boosting rounds.
func (m *Model) NumIterations() int {
	if m.NumTreePerIteration <= 0 {
		return len(m.Trees)
	}
	return len(m.Trees) / m.NumTreePerIteration
}

// NFeatures returns the number of input columns.
func (m *Model) NFeatures() int {
	return m.state.NFeatures()
}

// FeatureNames returns the training column names.
func (m *Model) FeatureNames() []string {
	return m.featureNames
}

// Classes returns the class labels in probability-column order.
func (m *Model) Classes() []int {
	n := m.NumClass
	if m.Objective == BinaryLogistic || m.Objective == BinaryCrossEntropy || n < 2 {
		n = 2
	}
	classes := make([]int, n)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

// outputScale is the divisor applied to raw sums.
func (m *Model) outputScale() float64 {
	if m.AverageOutput {
		if it := m.NumIterations(); it > 0 {
			return float64(it)
		}
	}
	return 1
}

func parseCategories(s string) []int {
	var cats []int
	for _, part := range strings.Split(s, "||") {
		if v, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			cats = append(cats, v)
		}
	}
	sort.Ints(cats)
	return cats
}
