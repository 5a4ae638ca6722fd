// Package errors provides the error taxonomy and warning hook shared by every shapserve package.
// Error values carry stack traces through cockroachdb/errors and can be written into zerolog
// events as structured objects.
package errors

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	Global warning handling
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("shapserve-warning: %v\n", w)
	}
	// set by pkg/log to avoid an import cycle
	zerologWarnFunc func(warning error)
)

// SetWarningHandler replaces the process-wide warning handler.
//
// Example:
//
//	errors.SetWarningHandler(func(w error) {
//	    // drop warnings
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc installs the structured warning sink.
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn emits a warning through zerolog when configured, otherwise through the plain handler.
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	Warnings
//
// ===========================================================================

// DataConversionWarning is raised when a request cell is implicitly converted to float64.
type DataConversionWarning struct {
	FromType string
	ToType   string
	Reason   string
}

func (w *DataConversionWarning) Error() string {
	return fmt.Sprintf("data converted from %s to %s. Reason: %s", w.FromType, w.ToType, w.Reason)
}

// MarshalZerologObject adds the warning fields to a zerolog event.
func (w *DataConversionWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("from_type", w.FromType).
		Str("to_type", w.ToType).
		Str("reason", w.Reason).
		Str("type", "DataConversionWarning")
}

// NewDataConversionWarning creates a DataConversionWarning.
func NewDataConversionWarning(from, to, reason string) *DataConversionWarning {
	return &DataConversionWarning{FromType: from, ToType: to, Reason: reason}
}

// SchemaWarning reports columns that schema reconciliation dropped or imputed.
type SchemaWarning struct {
	Model   string
	Dropped []string
	Imputed []string
}

func (w *SchemaWarning) Error() string {
	return fmt.Sprintf("input for %s reconciled: dropped %d column(s) %v, imputed %d column(s) %v",
		w.Model, len(w.Dropped), w.Dropped, len(w.Imputed), w.Imputed)
}

// MarshalZerologObject adds the warning fields to a zerolog event.
func (w *SchemaWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("model", w.Model).
		Strs("dropped", w.Dropped).
		Strs("imputed", w.Imputed).
		Str("type", "SchemaWarning")
}

// NewSchemaWarning creates a SchemaWarning.
func NewSchemaWarning(model string, dropped, imputed []string) *SchemaWarning {
	return &SchemaWarning{Model: model, Dropped: dropped, Imputed: imputed}
}

// ===========================================================================
//
//	Request pipeline errors
//
// ===========================================================================

// NotFoundError reports an unknown model, version, run or artifact.
type NotFoundError struct {
	Kind string // "model", "run", "artifact"
	Name string
	Hint string
}

func (e *NotFoundError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("shapserve: %s %q not found: %s", e.Kind, e.Name, e.Hint)
	}
	return fmt.Sprintf("shapserve: %s %q not found", e.Kind, e.Name)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *NotFoundError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("kind", e.Kind).
		Str("name", e.Name).
		Str("hint", e.Hint).
		Str("type", "NotFoundError")
}

// NewNotFoundError creates a NotFoundError with a stack trace.
func NewNotFoundError(kind, name, hint string) error {
	return errors.WithStack(&NotFoundError{Kind: kind, Name: name, Hint: hint})
}

// InvalidRequestError reports a malformed request body.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("shapserve: invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("shapserve: invalid request: %s: %s", e.Field, e.Reason)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *InvalidRequestError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("field", e.Field).
		Str("reason", e.Reason).
		Str("type", "InvalidRequestError")
}

// NewInvalidRequestError creates an InvalidRequestError with a stack trace.
func NewInvalidRequestError(field, reason string) error {
	return errors.WithStack(&InvalidRequestError{Field: field, Reason: reason})
}

// UnsupportedShapeError reports an attribution output whose rank is neither 2 nor 3.
type UnsupportedShapeError struct {
	Shape []int
}

func (e *UnsupportedShapeError) Error() string {
	return fmt.Sprintf("shapserve: unsupported SHAP values shape: %v", e.Shape)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *UnsupportedShapeError) MarshalZerologObject(event *zerolog.Event) {
	event.Ints("shape", e.Shape).
		Int("rank", len(e.Shape)).
		Str("type", "UnsupportedShapeError")
}

// NewUnsupportedShapeError creates an UnsupportedShapeError with a stack trace.
func NewUnsupportedShapeError(shape []int) error {
	return errors.WithStack(&UnsupportedShapeError{Shape: append([]int(nil), shape...)})
}

// UpstreamError reports a failure of the tracking server or the rendering library.
type UpstreamError struct {
	Service    string // "tracking", "render"
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("shapserve: %s: %s: status %d: %v", e.Service, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("shapserve: %s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *UpstreamError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("service", e.Service).
		Str("op", e.Op).
		Int("status_code", e.StatusCode).
		Str("type", "UpstreamError")
}

// NewUpstreamError creates an UpstreamError with a stack trace.
func NewUpstreamError(service, op string, statusCode int, err error) error {
	return errors.WithStack(&UpstreamError{Service: service, Op: op, StatusCode: statusCode, Err: err})
}

// ===========================================================================
//
//	Model errors
//
// ===========================================================================

// DimensionError reports a matrix whose dimension differs from the expected one.
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("shapserve: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "DimensionError")
}

// NewDimensionError creates a DimensionError with a stack trace.
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// ValidationError reports an artifact or configuration value that failed validation.
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("shapserve: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject adds the error fields to a zerolog event.
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError creates a ValidationError with a stack trace.
func NewValidationError(param, reason string, value interface{}) error {
	err := &ValidationError{ParamName: param, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// ModelError wraps a failure while decoding or evaluating a served model.
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shapserve: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("shapserve: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError creates a ModelError with a stack trace.
func NewModelError(op, kind string, err error) error {
	modelErr := &ModelError{Op: op, Kind: kind, Err: err}
	return errors.WithStack(modelErr)
}

// NumericalInstabilityError reports NaN or Inf produced by a computation.
type NumericalInstabilityError struct {
	Operation string
	Values    []float64
	Row       int
}

func (e *NumericalInstabilityError) Error() string {
	var sb strings.Builder
	for i, v := range e.Values {
		if i > 0 {
			sb.WriteString(", ")
		}
		if i >= 5 {
			sb.WriteString("...")
			break
		}
		sb.WriteString(fmt.Sprintf("%.6g", v))
	}
	return fmt.Sprintf("shapserve: numerical instability detected in %s at row %d. Values: [%s]",
		e.Operation, e.Row, sb.String())
}

// NewNumericalInstabilityError creates a NumericalInstabilityError with a stack trace.
func NewNumericalInstabilityError(operation string, values []float64, row int) error {
	err := &NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Row:       row,
	}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	HTTP mapping
//
// ===========================================================================

// StatusCode maps an error to the HTTP status returned to callers. A ModelError is always a
// server fault, even when it wraps a validation failure of a stored artifact.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var modelErr *ModelError
	var invalid *InvalidRequestError
	var validation *ValidationError
	var notFound *NotFoundError
	switch {
	case errors.As(err, &modelErr):
		return http.StatusInternalServerError
	case errors.As(err, &invalid), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, ErrNoExplainer):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ===========================================================================
//
//	cockroachdb/errors wrappers
//
// ===========================================================================

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap annotates err with a message.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New creates an error with a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Newf creates a formatted error with a stack trace.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack attaches a stack trace to err.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	Sentinels
//
// ===========================================================================

var (
	// ErrEmptyData is returned for a request without rows.
	ErrEmptyData = New("empty data")

	// ErrNoExplainer is returned when an explanation is requested for a model without an explainer artifact.
	ErrNoExplainer = New("no explainer artifact for this model version")
)
