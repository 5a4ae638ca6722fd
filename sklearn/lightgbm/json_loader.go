package lightgbm

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/explainable-platform/shapserve/core/model"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// JSONModel represents the top-level structure of a LightGBM JSON model
type JSONModel struct {
	Name                string         `json:"name"`
	Version             string         `json:"version"`
	NumClass            int            `json:"num_class"`
	NumTreePerIteration int            `json:"num_tree_per_iteration"`
	LabelIndex          int            `json:"label_index"`
	MaxFeatureIdx       int            `json:"max_feature_idx"`
	Objective           string         `json:"objective"`
	AverageOutput       bool           `json:"average_output"`
	FeatureNames        []string       `json:"feature_names"`
	TreeInfo            []JSONTreeInfo `json:"tree_info"`
}

// JSONTreeInfo represents information about a single tree
type JSONTreeInfo struct {
	TreeIndex     int          `json:"tree_index"`
	NumLeaves     int          `json:"num_leaves"`
	NumCat        int          `json:"num_cat"`
	Shrinkage     float64      `json:"shrinkage"`
	TreeStructure JSONTreeNode `json:"tree_structure"`
}

// JSONTreeNode represents a node in the tree (can be internal or leaf)
type JSONTreeNode struct {
	// Internal node fields
	SplitIndex     *int            `json:"split_index"`
	SplitFeature   int             `json:"split_feature"`
	SplitGain      float64         `json:"split_gain"`
	Threshold      json.RawMessage `json:"threshold"` // number, or "a||b" for categorical
	DecisionType   string          `json:"decision_type"`
	DefaultLeft    bool            `json:"default_left"`
	MissingType    string          `json:"missing_type"`
	InternalValue  float64         `json:"internal_value"`
	InternalWeight float64         `json:"internal_weight"`
	InternalCount  float64         `json:"internal_count"`
	LeftChild      *JSONTreeNode   `json:"left_child"`
	RightChild     *JSONTreeNode   `json:"right_child"`

	// Leaf node fields
	LeafIndex  int     `json:"leaf_index"`
	LeafValue  float64 `json:"leaf_value"`
	LeafWeight float64 `json:"leaf_weight"`
	LeafCount  float64 `json:"leaf_count"`
}

func (n *JSONTreeNode) isLeaf() bool {
	return n.LeftChild == nil && n.RightChild == nil
}

// LoadModelFromFile loads a LightGBM model from a JSON dump on disk.
func LoadModelFromFile(filePath string) (*Model, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, scierrors.Wrapf(err, "failed to read %s", filePath)
	}
	return ParseModel(data)
}

// LoadModelFromReader loads a LightGBM model from a JSON dump stream.
func LoadModelFromReader(r io.Reader) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, scierrors.Wrap(err, "failed to read model")
	}
	return ParseModel(data)
}

// ParseModel decodes a Booster.dump_model() document.
func ParseModel(data []byte) (*Model, error) {
	var jm JSONModel
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&jm); err != nil {
		return nil, scierrors.NewModelError("parse", "lightgbm", err)
	}
	return convertJSONModel(&jm)
}

func convertJSONModel(jm *JSONModel) (*Model, error) {
	if len(jm.TreeInfo) == 0 {
		return nil, scierrors.NewValidationError("tree_info", "model has no trees", 0)
	}
	objective, params := parseObjective(jm.Objective)

	m := &Model{
		Objective:           objective,
		Sigmoid:             1,
		NumClass:            jm.NumClass,
		NumTreePerIteration: jm.NumTreePerIteration,
		AverageOutput:       jm.AverageOutput,
		Trees:               make([]Tree, 0, len(jm.TreeInfo)),
		featureNames:        jm.FeatureNames,
		state:               model.NewStateManager(),
	}
	if m.NumClass <= 0 {
		m.NumClass = 1
	}
	if m.NumTreePerIteration <= 0 {
		m.NumTreePerIteration = 1
	}
	if len(jm.TreeInfo)%m.NumTreePerIteration != 0 {
		return nil, scierrors.NewValidationError("tree_info",
			"tree count is not a multiple of num_tree_per_iteration", len(jm.TreeInfo))
	}
	if s, ok := params["sigmoid"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			return nil, scierrors.NewValidationError("objective", "invalid sigmoid parameter", s)
		}
		m.Sigmoid = v
	}

	nFeatures := jm.MaxFeatureIdx + 1
	if len(jm.FeatureNames) > nFeatures {
		nFeatures = len(jm.FeatureNames)
	}

	for i := range jm.TreeInfo {
		tree, err := convertJSONTree(&jm.TreeInfo[i], nFeatures)
		if err != nil {
			return nil, scierrors.Wrapf(err, "failed to convert tree %d", jm.TreeInfo[i].TreeIndex)
		}
		m.Trees = append(m.Trees, tree)
	}

	m.state.SetLoaded(nFeatures)
	return m, nil
}

// convertJSONTree flattens the nested dump into a node slice in depth-first order.
func convertJSONTree(info *JSONTreeInfo, nFeatures int) (Tree, error) {
	tree := Tree{
		TreeIndex: info.TreeIndex,
		NumLeaves: info.NumLeaves,
		Shrinkage: info.Shrinkage,
	}

	var build func(jn *JSONTreeNode, depth int) (int, error)
	build = func(jn *JSONTreeNode, depth int) (int, error) {
		idx := len(tree.Nodes)
		if depth > tree.MaxDepth {
			tree.MaxDepth = depth
		}

		if jn.isLeaf() {
			tree.Nodes = append(tree.Nodes, Node{
				NodeType: LeafNode,
				Left:     -1,
				Right:    -1,
				Value:    jn.LeafValue,
				Cover:    leafCover(jn),
			})
			return idx, nil
		}
		if jn.LeftChild == nil || jn.RightChild == nil {
			return 0, scierrors.NewValidationError("tree_structure", "split node with a single child", idx)
		}
		if jn.SplitFeature < 0 || jn.SplitFeature >= nFeatures {
			return 0, scierrors.NewValidationError("split_feature", "feature index out of range", jn.SplitFeature)
		}

		node := Node{
			NodeType:    NumericalNode,
			Feature:     jn.SplitFeature,
			DefaultLeft: jn.DefaultLeft,
			Missing:     parseMissingType(jn.MissingType),
			Value:       jn.InternalValue,
			Cover:       internalCover(jn),
		}
		if jn.DecisionType == "==" {
			node.NodeType = CategoricalNode
			var raw string
			if err := json.Unmarshal(jn.Threshold, &raw); err != nil {
				// a single category may be dumped as a bare number
				var f float64
				if err := json.Unmarshal(jn.Threshold, &f); err != nil {
					return 0, scierrors.NewValidationError("threshold", "invalid categorical threshold", string(jn.Threshold))
				}
				raw = strconv.Itoa(int(f))
			}
			node.Categories = parseCategories(raw)
		} else {
			if err := json.Unmarshal(jn.Threshold, &node.Threshold); err != nil {
				return 0, scierrors.NewValidationError("threshold", "invalid numerical threshold", string(jn.Threshold))
			}
		}
		tree.Nodes = append(tree.Nodes, node)

		left, err := build(jn.LeftChild, depth+1)
		if err != nil {
			return 0, err
		}
		right, err := build(jn.RightChild, depth+1)
		if err != nil {
			return 0, err
		}
		tree.Nodes[idx].Left = left
		tree.Nodes[idx].Right = right
		return idx, nil
	}

	if _, err := build(&info.TreeStructure, 0); err != nil {
		return Tree{}, err
	}
	fillMissingCovers(&tree, 0)
	return tree, nil
}

func leafCover(jn *JSONTreeNode) float64 {
	if jn.LeafCount > 0 {
		return jn.LeafCount
	}
	return jn.LeafWeight
}

func internalCover(jn *JSONTreeNode) float64 {
	if jn.InternalCount > 0 {
		return jn.InternalCount
	}
	return jn.InternalWeight
}

// fillMissingCovers derives split covers from their children when the dump omitted counts.
func fillMissingCovers(t *Tree, idx int) float64 {
	n := &t.Nodes[idx]
	if n.IsLeaf() {
		return n.Cover
	}
	sum := fillMissingCovers(t, n.Left) + fillMissingCovers(t, n.Right)
	n = &t.Nodes[idx]
	if n.Cover <= 0 {
		n.Cover = sum
	}
	return n.Cover
}

// IsJSONModel reports whether data looks like a LightGBM JSON dump.
func IsJSONModel(data []byte) bool {
	h, err := model.PeekHeader(data)
	return err == nil && h.DocumentKind() == model.KindLightGBM
}
