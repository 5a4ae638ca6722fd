package server

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/explainable-platform/shapserve/internal/store"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving"
)

// NATSConfig configures the request/reply transport.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Queue         string
	// Workers is the number of messages processed concurrently. Zero means GOMAXPROCS.
	Workers      int
	DrainTimeout time.Duration
}

// Reply is the NATS response envelope. Body holds what the HTTP endpoint would return.
type Reply struct {
	RequestID string `json:"request_id"`
	Status    int    `json:"status"`
	Body      any    `json:"body,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NATSTransport answers requests published on <prefix>.<operation>.<model>.
type NATSTransport struct {
	cfg    NATSConfig
	svc    *serving.Service
	rec    *recorder
	logger log.Logger
}

// NewNATSTransport creates the transport. db may be nil to disable auditing.
func NewNATSTransport(cfg NATSConfig, svc *serving.Service, db *store.DB, logger log.Logger) *NATSTransport {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "shapserve"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.GetLoggerWithName("nats")
	}
	return &NATSTransport{cfg: cfg, svc: svc, rec: &recorder{db: db, logger: logger}, logger: logger}
}

// Subject returns the wildcard subject the transport subscribes to.
func (t *NATSTransport) Subject() string {
	return t.cfg.SubjectPrefix + ".*.*"
}

// Run connects, serves until ctx is cancelled, then drains the subscription.
func (t *NATSTransport) Run(ctx context.Context) error {
	nc, err := nats.Connect(t.cfg.URL,
		nats.Name("shapserve"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("NATS disconnected", log.ErrAttrKey, err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return scierrors.NewUpstreamError("nats", "connect", 0, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, t.cfg.Workers*4)
	sub, err := nc.ChanQueueSubscribe(t.Subject(), t.cfg.Queue, msgs)
	if err != nil {
		return scierrors.NewUpstreamError("nats", "subscribe", 0, err)
	}
	t.logger.Info("NATS transport starting",
		"subject", t.Subject(),
		"queue", t.cfg.Queue,
		"workers", t.cfg.Workers,
	)

	// requests run on a context that shutdown never cancels; quit only tells idle workers to exit
	workCtx := context.WithoutCancel(ctx)
	quit := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < t.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case m := <-msgs:
					t.handle(workCtx, m)
				case <-quit:
					for {
						select {
						case m := <-msgs:
							t.handle(workCtx, m)
						default:
							return nil
						}
					}
				}
			}
		})
	}

	<-ctx.Done()
	t.logger.Info("NATS transport draining")
	if err := sub.Drain(); err != nil {
		t.logger.Warn("NATS drain failed", log.ErrAttrKey, err.Error())
	}
	deadline := time.Now().Add(t.cfg.DrainTimeout)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	close(quit)
	err = g.Wait()
	t.logger.Info("NATS transport stopped")
	return err
}

func (t *NATSTransport) handle(ctx context.Context, m *nats.Msg) {
	reply := t.process(ctx, m.Subject, m.Data)
	if m.Reply == "" {
		return
	}
	if err := m.Respond(reply); err != nil {
		t.logger.Error("NATS reply failed", err, "subject", m.Subject)
	}
}

// process runs one request and returns the encoded Reply.
func (t *NATSTransport) process(ctx context.Context, subject string, data []byte) []byte {
	start := time.Now()
	id := newRequestID()

	var (
		out  any
		meta serving.Meta
	)
	op, model, err := t.parseSubject(subject)
	if err == nil {
		out, meta, err = t.svc.Do(ctx, op, model, data)
	}

	reply := Reply{RequestID: id, Status: 200, Body: out}
	if err != nil {
		reply.Status, reply.Body = scierrors.StatusCode(err), nil
		reply.Error = err.Error()
	}
	t.rec.record(ctx, outcome{
		id:     id,
		source: log.SourceNATS,
		op:     string(op),
		model:  model,
		meta:   meta,
		status: reply.Status,
		start:  start,
		err:    err,
	})

	b, err := json.Marshal(reply)
	if err != nil {
		t.logger.Error("NATS reply encoding failed", err, log.RequestIDKey, id)
		b, _ = json.Marshal(Reply{RequestID: id, Status: 500, Error: err.Error()})
	}
	return b
}

// parseSubject splits <prefix>.<operation>.<model>.
func (t *NATSTransport) parseSubject(subject string) (serving.Operation, string, error) {
	rest, ok := strings.CutPrefix(subject, t.cfg.SubjectPrefix+".")
	if !ok {
		return "", "", scierrors.NewInvalidRequestError("subject", "expected prefix "+t.cfg.SubjectPrefix)
	}
	name, model, ok := strings.Cut(rest, ".")
	if !ok || model == "" || strings.Contains(model, ".") {
		return "", "", scierrors.NewInvalidRequestError("subject", "expected <operation>.<model>")
	}
	op, err := serving.ParseOperation(name)
	if err != nil {
		return "", model, err
	}
	return op, model, nil
}
