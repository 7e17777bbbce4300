package telemetry

import (
	"sync"
	"time"
)

// HealthTracker aggregates liveness heartbeats from the runtime's background
// loops. A component is unhealthy once its last beat is older than the
// staleness window it registered with.
type HealthTracker struct {
	mu         sync.Mutex
	components map[string]*Heartbeat
	now        func() time.Time
}

type Heartbeat struct {
	tracker   *HealthTracker
	name      string
	staleness time.Duration
	lastBeat  time.Time
}

type HealthComponent struct {
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	LastBeat time.Time `json:"lastBeat"`
}

type HealthReport struct {
	Status     string            `json:"status"`
	Components []HealthComponent `json:"components,omitempty"`
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		components: make(map[string]*Heartbeat),
		now:        time.Now,
	}
}

// Register adds a component with the given staleness window and returns its
// heartbeat handle. Registering an existing name replaces the previous handle.
func (t *HealthTracker) Register(name string, staleness time.Duration) *Heartbeat {
	t.mu.Lock()
	defer t.mu.Unlock()
	beat := &Heartbeat{
		tracker:   t,
		name:      name,
		staleness: staleness,
	}
	t.components[name] = beat
	return beat
}

func (t *HealthTracker) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.components, name)
}

func (t *HealthTracker) Report() HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := HealthReport{Status: "ok"}
	now := t.now()
	for _, beat := range t.components {
		status := "ok"
		if beat.lastBeat.IsZero() || now.Sub(beat.lastBeat) > beat.staleness {
			status = "stale"
			report.Status = "unhealthy"
		}
		report.Components = append(report.Components, HealthComponent{
			Name:     beat.name,
			Status:   status,
			LastBeat: beat.lastBeat,
		})
	}
	return report
}

func (b *Heartbeat) Beat() {
	if b == nil {
		return
	}
	b.tracker.mu.Lock()
	b.lastBeat = b.tracker.now()
	b.tracker.mu.Unlock()
}
