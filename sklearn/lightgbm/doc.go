// Package lightgbm provides a pure Go runtime for LightGBM gradient-boosted tree ensembles
// exported with Booster.dump_model(), plus an exact path-dependent TreeSHAP explainer over them.
//
// # Loading
//
//	m, err := lightgbm.LoadModelFromFile("model/model.json")
//	if err != nil {
//	    return err
//	}
//
// # Inference
//
// Model implements model.Classifier for binary, multiclass and one-vs-all objectives:
//
//	proba, err := m.PredictProba(X) // (n_samples, n_classes)
//	labels, err := m.Predict(X)
//
// Decision rules follow LightGBM: numerical splits compare with "<=", categorical splits test
// membership in the category set, and missing values follow the node's missing_type
// ("None", "Zero", "NaN") and default_left flag.
//
// # Attribution
//
// TreeExplainer computes SHAP values in raw score (margin) space, weighting each path by the
// training cover recorded in internal_count and leaf_count:
//
//	exp := lightgbm.NewTreeExplainer(m)
//	attr, err := exp.ShapValues(X)
//
// The result has shape (n, f) for single-output models and (n, f, k) for models with k
// trees per iteration. For every row and output the values sum to the raw score minus
// Expected[k].
package lightgbm
