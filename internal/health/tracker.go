// Package health tracks per-component status and exposes it over HTTP and
// the standard gRPC health protocol.
package health

import (
	"sort"
	"sync"
	"time"
)

// Status is a component's health.
type Status string

const (
	StatusUnknown  Status = "UNKNOWN"
	StatusServing  Status = "SERVING"
	StatusDegraded Status = "DEGRADED"
	StatusBlocked  Status = "BLOCKED"
)

// Component is the last reported state of one component.
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	LastError   string    `json:"lastError,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Listener is notified after a component changes status.
type Listener func(name string, status Status)

// Tracker records component health. The zero value is not usable; call
// NewTracker.
type Tracker struct {
	mu         sync.RWMutex
	now        func() time.Time
	components map[string]*Component
	listeners  []Listener
}

// NewTracker creates an empty tracker.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, components: make(map[string]*Component)}
}

// Register adds name with StatusUnknown if it is not yet tracked.
func (t *Tracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.components[name]; !ok {
		t.components[name] = &Component{Name: name, Status: StatusUnknown, UpdatedAt: t.now()}
	}
}

// Serving marks name healthy and records a success.
func (t *Tracker) Serving(name string) {
	t.set(name, StatusServing, nil)
}

// Degraded marks name as failing transiently.
func (t *Tracker) Degraded(name string, err error) {
	t.set(name, StatusDegraded, err)
}

// Blocked marks name as blocked by the upstream.
func (t *Tracker) Blocked(name string, err error) {
	t.set(name, StatusBlocked, err)
}

// OnChange registers l for status transitions.
func (t *Tracker) OnChange(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Get returns the state of name.
func (t *Tracker) Get(name string) (Component, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.components[name]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// Snapshot returns every component sorted by name.
func (t *Tracker) Snapshot() []Component {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall folds every component into one status: BLOCKED beats DEGRADED
// beats UNKNOWN beats SERVING. An empty tracker is SERVING.
func (t *Tracker) Overall() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	overall := StatusServing
	for _, c := range t.components {
		if rank(c.Status) > rank(overall) {
			overall = c.Status
		}
	}
	return overall
}

func rank(s Status) int {
	switch s {
	case StatusBlocked:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

func (t *Tracker) set(name string, status Status, err error) {
	t.mu.Lock()
	now := t.now()
	c, ok := t.components[name]
	if !ok {
		c = &Component{Name: name}
		t.components[name] = c
	}
	changed := c.Status != status
	c.Status = status
	c.UpdatedAt = now
	if err != nil {
		c.LastError = err.Error()
	}
	if status == StatusServing {
		c.LastSuccess = now
		c.LastError = ""
	}
	var listeners []Listener
	if changed {
		listeners = append(listeners, t.listeners...)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(name, status)
	}
}
