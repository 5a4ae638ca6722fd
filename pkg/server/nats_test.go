package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving"
)

func newTransport(t *testing.T) (*NATSTransport, *env) {
	e := newEnv(t, true)
	return NewNATSTransport(NATSConfig{SubjectPrefix: "ml.shap", Queue: "workers"}, e.srv.svc, e.db, e.logs), e
}

func TestParseSubject(t *testing.T) {
	tr, _ := newTransport(t)
	assert.Equal(t, "ml.shap.*.*", tr.Subject())

	op, model, err := tr.parseSubject("ml.shap.waterfall.crc")
	require.NoError(t, err)
	assert.Equal(t, serving.OpWaterfall, op)
	assert.Equal(t, "crc", model)

	for _, bad := range []string{"other.predict.crc", "ml.shap.predict", "ml.shap.predict.", "ml.shap.predict.a.b"} {
		_, _, err := tr.parseSubject(bad)
		assert.Error(t, err, bad)
	}
	_, _, err = tr.parseSubject("ml.shap.train.crc")
	assert.Error(t, err)
}

func TestProcessPredict(t *testing.T) {
	tr, e := newTransport(t)
	raw := tr.process(context.Background(), "ml.shap.predict.crc", []byte(body))

	var reply struct {
		RequestID string `json:"request_id"`
		Status    int    `json:"status"`
		Body      struct {
			Predict []struct {
				ID    string  `json:"id"`
				Proba float64 `json:"proba"`
			} `json:"predict"`
		} `json:"body"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.Empty(t, reply.Error)
	require.Len(t, reply.Body.Predict, 2)
	assert.Equal(t, "p-2", reply.Body.Predict[1].ID)

	reqs, err := e.db.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, reply.RequestID, reqs[0].ID)
	assert.Equal(t, log.SourceNATS, reqs[0].Source)
}

func TestProcessErrors(t *testing.T) {
	tr, _ := newTransport(t)
	tests := []struct {
		subject string
		payload string
		status  int
	}{
		{"ml.shap.predict.nope", body, http.StatusNotFound},
		{"ml.shap.heatmap.crc", `not json`, http.StatusBadRequest},
		{"ml.shap.bogus.crc", body, http.StatusNotFound},
		{"ml.shap.predict", body, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			var reply Reply
			require.NoError(t, json.Unmarshal(tr.process(context.Background(), tt.subject, []byte(tt.payload)), &reply))
			assert.Equal(t, tt.status, reply.Status)
			assert.NotEmpty(t, reply.Error)
			assert.Nil(t, reply.Body)
		})
	}
}

func runNATSServer(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	ns := natsserver.RunServer(&opts)
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestRunAnswersAndDrains(t *testing.T) {
	url := runNATSServer(t)
	e := newEnv(t, true)
	tr := NewNATSTransport(NATSConfig{
		URL:           url,
		SubjectPrefix: "ml.shap",
		Queue:         "workers",
		Workers:       1,
		DrainTimeout:  5 * time.Second,
	}, e.srv.svc, e.db, e.logs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	require.Eventually(t, func() bool {
		m, err := nc.Request("ml.shap.predict.nope", []byte(body), 200*time.Millisecond)
		if err != nil {
			return false
		}
		var r Reply
		return json.Unmarshal(m.Data, &r) == nil && r.Status == http.StatusNotFound
	}, 5*time.Second, 50*time.Millisecond)

	e.tracking.SetLatency(200 * time.Millisecond)
	replies := make(chan *nats.Msg, 1)
	errs := make(chan error, 1)
	go func() {
		m, err := nc.Request("ml.shap.waterfall.crc", []byte(body), 10*time.Second)
		if err != nil {
			errs <- err
			return
		}
		replies <- m
	}()

	// the worker is waiting on the tracking server when shutdown starts
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case m := <-replies:
		var reply Reply
		require.NoError(t, json.Unmarshal(m.Data, &reply))
		assert.Equal(t, http.StatusOK, reply.Status, reply.Error)
		assert.NotContains(t, string(m.Data), "context canceled")
	case err := <-errs:
		t.Fatalf("request failed: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("no reply for the in-flight request")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("transport did not stop")
	}
}
