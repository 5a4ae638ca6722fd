package drift

import (
	"sort"
	"sync"
	"time"
)

// Event is a detected shift in the mean served probability of one model version.
type Event struct {
	Model        string    `json:"model_name"`
	Version      string    `json:"version"`
	PreviousMean float64   `json:"previous_mean"`
	Mean         float64   `json:"mean"`
	Width        int       `json:"width"`
	At           time.Time `json:"at"`
}

// Status is the monitoring state of one model version.
type Status struct {
	Model    string     `json:"model_name"`
	Version  string     `json:"version"`
	Observed int64      `json:"observed"`
	Mean     float64    `json:"mean"`
	Width    int        `json:"width"`
	Drifts   int        `json:"drifts"`
	LastAt   *time.Time `json:"last_drift,omitempty"`
}

type tracked struct {
	model, version string
	window         *ADWIN
	observed       int64
	drifts         int
	last           time.Time
}

// Monitor keeps one window per model version. It is safe for concurrent use.
type Monitor struct {
	options []ADWINOption
	onDrift func(Event)

	mu      sync.Mutex
	tracked map[string]*tracked
	now     func() time.Time
}

// NewMonitor creates a monitor whose windows use options. onDrift, if not nil, is called for
// every event after Observe releases its lock.
func NewMonitor(onDrift func(Event), options ...ADWINOption) *Monitor {
	return &Monitor{
		options: options,
		onDrift: onDrift,
		tracked: make(map[string]*tracked),
		now:     time.Now,
	}
}

// Observe feeds the probabilities served for one request and returns the shifts they caused.
func (m *Monitor) Observe(model, version string, probas []float64) []Event {
	var events []Event

	m.mu.Lock()
	key := model + "@" + version
	t, ok := m.tracked[key]
	if !ok {
		t = &tracked{model: model, version: version, window: NewADWIN(m.options...)}
		m.tracked[key] = t
	}
	for _, p := range probas {
		before := t.window.Mean()
		t.observed++
		if t.window.Update(p) {
			t.drifts++
			t.last = m.now()
			events = append(events, Event{
				Model:        model,
				Version:      version,
				PreviousMean: before,
				Mean:         t.window.Mean(),
				Width:        t.window.Width(),
				At:           t.last,
			})
		}
	}
	m.mu.Unlock()

	if m.onDrift != nil {
		for _, ev := range events {
			m.onDrift(ev)
		}
	}
	return events
}

// Snapshot returns the state of every monitored version, sorted by model then version.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.tracked))
	for _, t := range m.tracked {
		s := Status{
			Model:    t.model,
			Version:  t.version,
			Observed: t.observed,
			Mean:     t.window.Mean(),
			Width:    t.window.Width(),
			Drifts:   t.drifts,
		}
		if t.drifts > 0 {
			last := t.last
			s.LastAt = &last
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Forget drops the windows of every version of model.
func (m *Monitor) Forget(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.tracked {
		if t.model == model {
			delete(m.tracked, key)
		}
	}
}
