package lightgbm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainable-platform/shapserve/internal/fixtures"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

func TestParseModelStructure(t *testing.T) {
	m, err := ParseModel([]byte(fixtures.BinaryModel))
	require.NoError(t, err)

	assert.Equal(t, BinaryLogistic, m.Objective)
	assert.Equal(t, 1.0, m.Sigmoid)
	assert.Equal(t, 2, m.NFeatures())
	assert.Equal(t, fixtures.FeatureNames, m.FeatureNames())
	assert.Equal(t, []int{0, 1}, m.Classes())
	assert.True(t, m.IsClassifier())
	require.Len(t, m.Trees, 2)
	assert.Equal(t, 2, m.NumIterations())

	tree := m.Trees[0]
	require.Len(t, tree.Nodes, 5)
	assert.Equal(t, 2, tree.MaxDepth)
	assert.Equal(t, NumericalNode, tree.Nodes[0].NodeType)
	assert.Equal(t, 100.0, tree.Nodes[0].Cover)
	assert.True(t, tree.Nodes[tree.Nodes[0].Left].IsLeaf())
	assert.Equal(t, MissingNaN, tree.Nodes[tree.Nodes[0].Right].Missing)
	assert.Equal(t, MissingZero, m.Trees[1].Nodes[0].Missing)
}

func TestParseModelCategorical(t *testing.T) {
	m, err := ParseModel([]byte(fixtures.CategoricalModel))
	require.NoError(t, err)
	root := m.Trees[0].Nodes[0]
	assert.Equal(t, CategoricalNode, root.NodeType)
	assert.Equal(t, []int{1, 3}, root.Categories)
}

func TestParseModelErrors(t *testing.T) {
	tests := map[string]string{
		"not json":      `{`,
		"no trees":      `{"objective": "binary", "max_feature_idx": 0, "tree_info": []}`,
		"bad sigmoid":   strings.Replace(fixtures.BinaryModel, "sigmoid:1", "sigmoid:x", 1),
		"feature range": strings.Replace(fixtures.BinaryModel, `"split_feature": 1,`, `"split_feature": 7,`, 1),
		"tree multiple": strings.Replace(fixtures.MulticlassModel, `"num_tree_per_iteration": 3`, `"num_tree_per_iteration": 2`, 1),
		"one child": `{"objective":"binary","max_feature_idx":0,"tree_info":[{"tree_structure":
			{"split_feature":0,"threshold":1,"decision_type":"<=","left_child":{"leaf_value":1}}}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseModel([]byte(doc))
			assert.Error(t, err)
		})
	}

	var validation *scierrors.ValidationError
	_, err := ParseModel([]byte(tests["no trees"]))
	assert.ErrorAs(t, err, &validation)
}

func TestParseModelFillsMissingCovers(t *testing.T) {
	doc := `{"objective":"binary","max_feature_idx":0,"tree_info":[{"tree_structure":
		{"split_feature":0,"threshold":1,"decision_type":"<=",
		 "left_child":{"leaf_value":1,"leaf_count":3},"right_child":{"leaf_value":-1,"leaf_count":1}}}]}`
	m, err := ParseModel([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 4.0, m.Trees[0].Nodes[0].Cover)
	assert.InDelta(t, 0.5, m.Trees[0].ExpectedValue(), 1e-12)
}

func TestLoadModelFromFileAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(fixtures.BinaryModel), 0o600))

	m, err := LoadModelFromFile(path)
	require.NoError(t, err)
	assert.Len(t, m.Trees, 2)

	m, err = LoadModelFromReader(strings.NewReader(fixtures.MulticlassModel))
	require.NoError(t, err)
	assert.Equal(t, 3, m.NumTreePerIteration)

	_, err = LoadModelFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	assert.True(t, IsJSONModel([]byte(fixtures.BinaryModel)))
	assert.False(t, IsJSONModel([]byte(fixtures.LogisticModel)))
}
