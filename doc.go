// Package shapserve serves class probabilities and SHAP explanations for classifiers
// registered in an MLflow tracking server.
//
// A request names a registered model and carries a pandas split-oriented frame. The service
// resolves the model's Production version, loads its estimator, explainer and input example
// from the run's artifacts (cached per version), reconciles the request columns to the
// training schema and then scores or explains the rows.
//
// # Layout
//
//   - tracking/mlflow: REST client for the registry, runs and artifact downloads
//   - serving/artifact: version resolution, artifact loading and the bundle cache
//   - preprocessing: request decoding, column reconciliation and scaling
//   - sklearn/lightgbm, sklearn/linear_model: estimators and their explainers
//   - serving/engine: inference and attribution normalisation
//   - serving/charts: beeswarm, heatmap and waterfall PNGs
//   - serving/drift: ADWIN monitoring of predicted probabilities
//   - serving: the operations shared by every transport
//   - pkg/server: HTTP and NATS transports
//   - internal/config, internal/store: YAML configuration and the SQLite audit trail
//   - cmd/shapserve: the command line
//
// # Quick Start
//
//	shapserve serve -c shapserve.yaml
//
//	curl -X POST localhost:8080/v1/predict/credit-risk \
//	    -d '{"dataframe_split": {"columns": ["mean_radius"], "data": [[14.2]]}}'
//
// # Error Handling
//
// Every failure carries a type from pkg/errors and maps to one HTTP status through
// errors.StatusCode: unknown models and missing explainers are 404, malformed payloads
// are 400, and artifact or registry failures are 500.
package shapserve
