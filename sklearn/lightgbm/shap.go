package lightgbm

import (
	"encoding/json"

	"gonum.org/v1/gonum/mat"

	"github.com/explainable-platform/shapserve/core/model"
	"github.com/explainable-platform/shapserve/core/parallel"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// AlgorithmTree identifies a tree explainer document.
const AlgorithmTree = "tree"

// ExplainerDocument is the JSON artifact for a tree explainer.
type ExplainerDocument struct {
	Algorithm string          `json:"algorithm"`
	Model     json.RawMessage `json:"model"`
}

// ParseExplainer decodes {"algorithm": "tree", "model": <dump_model() JSON>}.
func ParseExplainer(data []byte) (*TreeExplainer, error) {
	var doc ExplainerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, scierrors.NewModelError("parse", "tree_explainer", err)
	}
	if doc.Algorithm != AlgorithmTree {
		return nil, scierrors.NewValidationError("algorithm", "expected tree explainer", doc.Algorithm)
	}
	if len(doc.Model) == 0 {
		return nil, scierrors.NewValidationError("model", "tree explainer has no embedded model", nil)
	}
	m, err := ParseModel(doc.Model)
	if err != nil {
		return nil, err
	}
	return NewTreeExplainer(m), nil
}

// TreeExplainer computes exact path-dependent SHAP values for a LightGBM ensemble.
type TreeExplainer struct {
	model    *Model
	expected []float64
}

// NewTreeExplainer creates an explainer and precomputes the per-output baselines.
func NewTreeExplainer(m *Model) *TreeExplainer {
	k := m.NumTreePerIteration
	expected := make([]float64, k)
	for t := range m.Trees {
		expected[t%k] += m.Trees[t].ExpectedValue()
	}
	scale := m.outputScale()
	for c := range expected {
		expected[c] /= scale
	}
	return &TreeExplainer{model: m, expected: expected}
}

// Model returns the explained ensemble.
func (te *TreeExplainer) Model() *Model {
	return te.model
}

// ExpectedValue returns one baseline per output.
func (te *TreeExplainer) ExpectedValue() []float64 {
	return append([]float64(nil), te.expected...)
}

// FeatureNames returns the column names of the explained ensemble.
func (te *TreeExplainer) FeatureNames() []string {
	return te.model.FeatureNames()
}

// ShapValues implements model.Explainer.
func (te *TreeExplainer) ShapValues(X mat.Matrix) (*model.Attribution, error) {
	m := te.model
	if err := m.state.CheckInput("tree_shap", X); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	k := m.NumTreePerIteration
	scale := m.outputScale()

	maxDepth := 0
	for t := range m.Trees {
		if m.Trees[t].MaxDepth > maxDepth {
			maxDepth = m.Trees[t].MaxDepth
		}
	}
	pathSize := (maxDepth + 2) * (maxDepth + 3) / 2

	values := make([]float64, rows*cols*k)
	err := parallel.ParallelizeErr(rows, rowParallelThreshold/4, func(start, end int) error {
		x := make([]float64, cols)
		phi := make([]float64, cols*k)
		path := make([]pathElement, pathSize)
		for i := start; i < end; i++ {
			mat.Row(x, i, X)
			for j := range phi {
				phi[j] = 0
			}
			for t := range m.Trees {
				out := t % k
				ts := treeShap{tree: &m.Trees[t], x: x, phi: phi, output: out, nOutputs: k}
				ts.recurse(0, 0, path, 1, 1, -1)
			}
			for j, v := range phi {
				values[i*cols*k+j] = v / scale
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	shape := []int{rows, cols}
	if k > 1 {
		shape = append(shape, k)
	}
	return &model.Attribution{Shape: shape, Values: values, Expected: te.ExpectedValue()}, nil
}

// pathElement is one feature on the unique path from the root to the current node.
type pathElement struct {
	featureIndex int
	zeroFraction float64
	oneFraction  float64
	pweight      float64
}

type treeShap struct {
	tree     *Tree
	x        []float64
	phi      []float64 // feature-major, output-minor
	output   int
	nOutputs int
}

// recurse walks the tree keeping the weighted unique path in parentPath.
// Each level writes its path at parentPath[uniqueDepth+1:] so no allocation happens per node.
func (ts *treeShap) recurse(nodeIdx, uniqueDepth int, parentPath []pathElement,
	parentZeroFraction, parentOneFraction float64, parentFeature int) {

	path := parentPath[uniqueDepth+1:]
	copy(path[:uniqueDepth+1], parentPath[:uniqueDepth+1])
	extendPath(path, uniqueDepth, parentZeroFraction, parentOneFraction, parentFeature)

	node := &ts.tree.Nodes[nodeIdx]
	if node.IsLeaf() {
		for i := 1; i <= uniqueDepth; i++ {
			w := unwoundPathSum(path, uniqueDepth, i)
			el := path[i]
			ts.phi[el.featureIndex*ts.nOutputs+ts.output] += w * (el.oneFraction - el.zeroFraction) * node.Value
		}
		return
	}

	hot := node.next(ts.x)
	cold := node.Right
	if hot == node.Right {
		cold = node.Left
	}
	cover := node.Cover
	hotZeroFraction, coldZeroFraction := 0.5, 0.5
	if cover > 0 {
		hotZeroFraction = ts.tree.Nodes[hot].Cover / cover
		coldZeroFraction = ts.tree.Nodes[cold].Cover / cover
	}
	incomingZeroFraction, incomingOneFraction := 1.0, 1.0

	// undo a previous split on the same feature so it can be redone here
	pathIndex := 0
	for ; pathIndex <= uniqueDepth; pathIndex++ {
		if path[pathIndex].featureIndex == node.Feature {
			break
		}
	}
	if pathIndex != uniqueDepth+1 {
		incomingZeroFraction = path[pathIndex].zeroFraction
		incomingOneFraction = path[pathIndex].oneFraction
		unwindPath(path, uniqueDepth, pathIndex)
		uniqueDepth--
	}

	ts.recurse(hot, uniqueDepth+1, path, hotZeroFraction*incomingZeroFraction, incomingOneFraction, node.Feature)
	ts.recurse(cold, uniqueDepth+1, path, coldZeroFraction*incomingZeroFraction, 0, node.Feature)
}

func extendPath(path []pathElement, uniqueDepth int, zeroFraction, oneFraction float64, featureIndex int) {
	path[uniqueDepth] = pathElement{
		featureIndex: featureIndex,
		zeroFraction: zeroFraction,
		oneFraction:  oneFraction,
	}
	if uniqueDepth == 0 {
		path[uniqueDepth].pweight = 1
	}
	d := float64(uniqueDepth + 1)
	for i := uniqueDepth - 1; i >= 0; i-- {
		path[i+1].pweight += oneFraction * path[i].pweight * float64(i+1) / d
		path[i].pweight = zeroFraction * path[i].pweight * float64(uniqueDepth-i) / d
	}
}

func unwindPath(path []pathElement, uniqueDepth, pathIndex int) {
	oneFraction := path[pathIndex].oneFraction
	zeroFraction := path[pathIndex].zeroFraction
	nextOnePortion := path[uniqueDepth].pweight
	d := float64(uniqueDepth + 1)

	for i := uniqueDepth - 1; i >= 0; i-- {
		if oneFraction != 0 {
			tmp := path[i].pweight
			path[i].pweight = nextOnePortion * d / (float64(i+1) * oneFraction)
			nextOnePortion = tmp - path[i].pweight*zeroFraction*float64(uniqueDepth-i)/d
		} else {
			path[i].pweight = path[i].pweight * d / (zeroFraction * float64(uniqueDepth-i))
		}
	}
	for i := pathIndex; i < uniqueDepth; i++ {
		path[i].featureIndex = path[i+1].featureIndex
		path[i].zeroFraction = path[i+1].zeroFraction
		path[i].oneFraction = path[i+1].oneFraction
	}
}

// unwoundPathSum is the total permutation weight of the path with pathIndex removed.
func unwoundPathSum(path []pathElement, uniqueDepth, pathIndex int) float64 {
	oneFraction := path[pathIndex].oneFraction
	zeroFraction := path[pathIndex].zeroFraction
	nextOnePortion := path[uniqueDepth].pweight
	total := 0.0

	if oneFraction != 0 {
		for i := uniqueDepth - 1; i >= 0; i-- {
			tmp := nextOnePortion / (float64(i+1) * oneFraction)
			total += tmp
			nextOnePortion = path[i].pweight - tmp*zeroFraction*float64(uniqueDepth-i)
		}
	} else if zeroFraction != 0 {
		for i := uniqueDepth - 1; i >= 0; i-- {
			total += path[i].pweight / (zeroFraction * float64(uniqueDepth-i))
		}
	}
	return total * float64(uniqueDepth+1)
}
