package serving

import (
	"context"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
)

// Operation names a request pipeline.
type Operation string

// Operations accepted by Do.
const (
	OpPredict   Operation = log.OperationPredict
	OpBeeswarm  Operation = log.OperationBeeswarm
	OpHeatmap   Operation = log.OperationHeatmap
	OpWaterfall Operation = log.OperationWaterfall
	OpAnalyze   Operation = log.OperationAnalyze
)

// Operations lists every operation in a stable order.
var Operations = []Operation{OpPredict, OpBeeswarm, OpHeatmap, OpWaterfall, OpAnalyze}

// IsExplain reports whether op renders an explanation chart.
func (op Operation) IsExplain() bool {
	return op == OpBeeswarm || op == OpHeatmap || op == OpWaterfall
}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", scierrors.NewNotFoundError("operation", s, "")
}

// Do runs op for the model and returns the response body.
func (s *Service) Do(ctx context.Context, op Operation, model string, body []byte) (any, Meta, error) {
	switch op {
	case OpPredict:
		return result(s.Predict(ctx, model, body))
	case OpBeeswarm:
		return result(s.Beeswarm(ctx, model, body))
	case OpHeatmap:
		return result(s.Heatmap(ctx, model, body))
	case OpWaterfall:
		return result(s.Waterfall(ctx, model, body))
	case OpAnalyze:
		return result(s.Analyze(ctx, model, body))
	default:
		return nil, Meta{}, scierrors.NewNotFoundError("operation", string(op), "")
	}
}

func result[T any](v *T, meta Meta, err error) (any, Meta, error) {
	if err != nil {
		return nil, meta, err
	}
	return v, meta, nil
}
