package server

import (
	"context"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/explainable-platform/shapserve/internal/store"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving"
)

// outcome is everything the recorder needs about one finished request.
type outcome struct {
	id     string
	source string
	op     string
	model  string
	meta   serving.Meta
	status int
	start  time.Time
	err    error
}

// recorder logs every served request and, when a store is configured, audits it.
type recorder struct {
	db     *store.DB
	logger log.Logger
}

func newRequestID() string {
	return ulid.Make().String()
}

func (r *recorder) record(ctx context.Context, o outcome) {
	elapsed := time.Since(o.start)
	fields := []any{
		log.RequestIDKey, o.id,
		log.SourceKey, o.source,
		log.OperationKey, o.op,
		log.StatusKey, o.status,
		log.DurationMsKey, elapsed.Milliseconds(),
	}
	if o.model != "" {
		fields = append(fields, log.ModelNameKey, o.model)
	}
	if o.meta.Model.Version != "" {
		fields = append(fields,
			log.ModelVersionKey, o.meta.Model.Version,
			log.RunIDKey, o.meta.Model.RunID,
			log.SamplesKey, o.meta.Rows,
			log.CacheHitKey, o.meta.CacheHit,
		)
	}

	switch {
	case o.err == nil:
		r.logger.Info("request served", fields...)
	case o.status >= http.StatusInternalServerError:
		r.logger.Error("request failed", append([]any{o.err}, fields...)...)
	default:
		r.logger.Warn("request rejected", append(fields, log.ErrAttrKey, o.err.Error())...)
	}

	if r.db == nil {
		return
	}
	rec := store.Request{
		ID:         o.id,
		Time:       o.start,
		Source:     o.source,
		Operation:  o.op,
		Model:      o.model,
		Version:    o.meta.Model.Version,
		RunID:      o.meta.Model.RunID,
		Rows:       o.meta.Rows,
		Dropped:    o.meta.Report.Dropped,
		Imputed:    o.meta.Report.Imputed,
		CacheHit:   o.meta.CacheHit,
		Status:     store.StatusSuccess,
		HTTPStatus: o.status,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}
	if o.err != nil {
		rec.Status = store.StatusError
		rec.Error = o.err.Error()
	}
	if err := r.db.Req(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("audit write failed", err, log.RequestIDKey, o.id)
	}
}

// errorBody is the JSON error envelope shared by both transports.
type errorBody struct {
	Error string `json:"error"`
}

func errorStatus(err error) (int, errorBody) {
	return scierrors.StatusCode(err), errorBody{Error: err.Error()}
}
