// Package log defines the standard attribute keys used by shapserve log records.
//
// Keys follow a dotted hierarchy ("model.name", "request.id") so records from the HTTP
// handlers, the NATS worker and the artifact loader can be filtered uniformly.

package log

// Model and Operation Context
const (
	// ModelNameKey is the registered model name.
	ModelNameKey = "model.name"

	// ModelVersionKey is the registry version serving the request.
	ModelVersionKey = "model.version"

	// RunIDKey is the tracking run backing the model version.
	RunIDKey = "run.id"

	// StageKey is the registry stage used for resolution.
	StageKey = "model.stage"

	// OperationKey is the pipeline operation being performed.
	// Standard values: "predict", "beeswarm", "heatmap", "waterfall", "analyze", "resolve", "load".
	OperationKey = "ml.operation"

	// ComponentKey identifies the package emitting the record.
	ComponentKey = "ml.component"

	// ArtifactKey is the run-relative artifact path.
	ArtifactKey = "artifact.path"
)

// Data Shape and Characteristics
const (
	// SamplesKey is the number of rows in the request table.
	SamplesKey = "data.samples"

	// FeaturesKey is the number of columns after reconciliation.
	FeaturesKey = "data.features"

	// DroppedKey lists request columns unknown to the schema.
	DroppedKey = "data.dropped"

	// ImputedKey lists schema columns synthesized with the default value.
	ImputedKey = "data.imputed"

	// ShapeKey is the raw shape returned by an explainer.
	ShapeKey = "shap.shape"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// CacheHitKey reports whether the artifact bundle came from the in-process cache.
	CacheHitKey = "cache.hit"

	// BytesKey is the size of a downloaded artifact.
	BytesKey = "artifact.bytes"
)

// Request Context
const (
	// RequestIDKey is the ULID assigned to every inbound request.
	RequestIDKey = "request.id"

	// SourceKey is the transport a request arrived on ("http", "nats").
	SourceKey = "request.source"

	// StatusKey is the HTTP status (or equivalent) returned.
	StatusKey = "http.status"

	// PredsKey is the number of prediction rows returned.
	PredsKey = "preds.count"
)

// Error and Warning Context
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	ErrorCodeKey = "error.code"

	// ErrorTypeKey categorizes the error.
	ErrorTypeKey = "error.type"

	// StacktraceKey carries the cockroachdb/errors stack trace.
	StacktraceKey = "error.stacktrace"
)

// Standard attribute values.
const (
	OperationPredict   = "predict"
	OperationBeeswarm  = "beeswarm"
	OperationHeatmap   = "heatmap"
	OperationWaterfall = "waterfall"
	OperationAnalyze   = "analyze"
	OperationResolve   = "resolve"
	OperationLoad      = "load"
	OperationList      = "list"

	SourceHTTP = "http"
	SourceNATS = "nats"

	ErrorNotFound         = "NOT_FOUND"
	ErrorInvalidRequest   = "INVALID_REQUEST"
	ErrorUnsupportedShape = "UNSUPPORTED_SHAPE"
	ErrorUpstream         = "UPSTREAM"
)
