// Package fixtures holds small artifact documents shared by package tests.
//
// The binary ensemble has two features, "mean_radius" and "worst_texture":
//
//	tree 0: mean_radius <= 0.5 ? -1.0 (30) : (worst_texture <= 2.0 ? 0.5 (20) : 1.5 (50))
//	tree 1: worst_texture <= 1.0 ? 0.2 (40) : -0.3 (60)
//
// Its cover-weighted baseline is 0.55 + (-0.1) = 0.45 and the row {1, 3} scores 1.2.
package fixtures

// FeatureNames are the columns of every fixture model.
var FeatureNames = []string{"mean_radius", "worst_texture"}

// BinaryBaseValue is the expected raw score of BinaryModel.
const BinaryBaseValue = 0.45

// BinaryModel is a two-tree LightGBM binary dump.
const BinaryModel = `{
  "name": "tree",
  "version": "v4",
  "num_class": 1,
  "num_tree_per_iteration": 1,
  "label_index": 0,
  "max_feature_idx": 1,
  "objective": "binary sigmoid:1",
  "average_output": false,
  "feature_names": ["mean_radius", "worst_texture"],
  "tree_info": [
    {
      "tree_index": 0,
      "num_leaves": 3,
      "num_cat": 0,
      "shrinkage": 1,
      "tree_structure": {
        "split_index": 0,
        "split_feature": 0,
        "split_gain": 10.5,
        "threshold": 0.5,
        "decision_type": "<=",
        "default_left": true,
        "missing_type": "None",
        "internal_value": 0,
        "internal_count": 100,
        "left_child": {"leaf_index": 0, "leaf_value": -1.0, "leaf_count": 30},
        "right_child": {
          "split_index": 1,
          "split_feature": 1,
          "split_gain": 4.2,
          "threshold": 2.0,
          "decision_type": "<=",
          "default_left": true,
          "missing_type": "NaN",
          "internal_value": 1.2,
          "internal_count": 70,
          "left_child": {"leaf_index": 1, "leaf_value": 0.5, "leaf_count": 20},
          "right_child": {"leaf_index": 2, "leaf_value": 1.5, "leaf_count": 50}
        }
      }
    },
    {
      "tree_index": 1,
      "num_leaves": 2,
      "num_cat": 0,
      "shrinkage": 0.1,
      "tree_structure": {
        "split_index": 0,
        "split_feature": 1,
        "split_gain": 1.1,
        "threshold": 1.0,
        "decision_type": "<=",
        "default_left": false,
        "missing_type": "Zero",
        "internal_value": 0,
        "internal_count": 100,
        "left_child": {"leaf_index": 0, "leaf_value": 0.2, "leaf_count": 40},
        "right_child": {"leaf_index": 1, "leaf_value": -0.3, "leaf_count": 60}
      }
    }
  ]
}`

// MulticlassModel is a three-class softmax dump with one stump per class.
const MulticlassModel = `{
  "name": "tree",
  "num_class": 3,
  "num_tree_per_iteration": 3,
  "max_feature_idx": 1,
  "objective": "multiclass num_class:3",
  "feature_names": ["mean_radius", "worst_texture"],
  "tree_info": [
    {"tree_index": 0, "num_leaves": 2, "shrinkage": 1, "tree_structure": {
      "split_feature": 0, "threshold": 0.0, "decision_type": "<=", "missing_type": "None", "internal_count": 10,
      "left_child": {"leaf_value": 1.0, "leaf_count": 5}, "right_child": {"leaf_value": -1.0, "leaf_count": 5}}},
    {"tree_index": 1, "num_leaves": 2, "shrinkage": 1, "tree_structure": {
      "split_feature": 1, "threshold": 0.0, "decision_type": "<=", "missing_type": "None", "internal_count": 10,
      "left_child": {"leaf_value": -0.5, "leaf_count": 4}, "right_child": {"leaf_value": 0.5, "leaf_count": 6}}},
    {"tree_index": 2, "num_leaves": 2, "shrinkage": 1, "tree_structure": {
      "split_feature": 0, "threshold": 1.0, "decision_type": "<=", "missing_type": "None", "internal_count": 10,
      "left_child": {"leaf_value": 0.0, "leaf_count": 8}, "right_child": {"leaf_value": 2.0, "leaf_count": 2}}}
  ]
}`

// CategoricalModel splits mean_radius on the category set {1, 3}.
const CategoricalModel = `{
  "name": "tree",
  "num_class": 1,
  "num_tree_per_iteration": 1,
  "max_feature_idx": 1,
  "objective": "binary sigmoid:1",
  "feature_names": ["mean_radius", "worst_texture"],
  "tree_info": [
    {"tree_index": 0, "num_leaves": 2, "num_cat": 1, "shrinkage": 1, "tree_structure": {
      "split_feature": 0, "threshold": "1||3", "decision_type": "==", "missing_type": "None", "internal_count": 10,
      "left_child": {"leaf_value": 1.0, "leaf_count": 5}, "right_child": {"leaf_value": -1.0, "leaf_count": 5}}}
  ]
}`

// TreeExplainer wraps BinaryModel as a tree explainer document.
const TreeExplainer = `{"algorithm": "tree", "model": ` + BinaryModel + `}`

// LogisticModel is a binary logistic-regression coefficient document.
const LogisticModel = `{
  "kind": "logistic_regression",
  "classes": [0, 1],
  "coef": [[0.8, -0.4]],
  "intercept": [0.1],
  "feature_names": ["mean_radius", "worst_texture"]
}`

// LinearExplainer is the linear explainer document matching LogisticModel.
const LinearExplainer = `{
  "algorithm": "linear",
  "coef": [[0.8, -0.4]],
  "intercept": [0.1],
  "feature_means": [0.5, 1.5],
  "feature_names": ["mean_radius", "worst_texture"]
}`

// InputExample is the schema artifact in pandas split orientation.
const InputExample = `{
  "columns": ["mean_radius", "worst_texture"],
  "data": [[0.2, 1.1]]
}`
