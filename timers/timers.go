// Package timers provides a scoped duration log for instrumenting sections of a
// training loop and a wall-clock budget timer whose expiry decision is taken on one
// rank and broadcast, so all ranks leave their loop together.
package timers

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/vocabparallel/comms"
	"github.com/pkg/errors"
)

// ScopedTimer accumulates named durations so they can be collected in one place
// instead of threading result maps through the code. Starting a new measurement for
// a name whose previous duration has not been consumed is a usage error: it would
// silently overwrite the earlier measurement.
//
// Safe for concurrent use.
type ScopedTimer struct {
	mu        sync.Mutex
	running   map[string]time.Time
	durations map[string]time.Duration
}

// NewScopedTimer creates an empty duration log.
func NewScopedTimer() *ScopedTimer {
	return &ScopedTimer{
		running:   make(map[string]time.Time),
		durations: make(map[string]time.Duration),
	}
}

// Start begins a measurement for name. It fails if a measurement for name is already
// running, or if a finished one has not been consumed yet.
func (st *ScopedTimer) Start(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.running[name]; found {
		return errors.Errorf("measurement %q is already running", name)
	}
	if _, found := st.durations[name]; found {
		return errors.Errorf("unconsumed duration for %q, call ConsumeDurations first", name)
	}
	st.running[name] = time.Now()
	return nil
}

// Stop ends the measurement for name and logs its duration.
func (st *ScopedTimer) Stop(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	started, found := st.running[name]
	if !found {
		return errors.Errorf("no running measurement for %q", name)
	}
	delete(st.running, name)
	st.durations[name] = time.Since(started)
	return nil
}

// Time measures fn under the given name. The duration is logged even when fn
// panics.
func (st *ScopedTimer) Time(name string, fn func()) error {
	if err := st.Start(name); err != nil {
		return err
	}
	defer func() {
		_ = st.Stop(name)
	}()
	fn()
	return nil
}

// ConsumeDurations returns all logged durations and resets the log to empty.
// Measurements still running are unaffected.
func (st *ScopedTimer) ConsumeDurations() map[string]time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	durations := st.durations
	st.durations = make(map[string]time.Duration)
	return durations
}

// ConsumeDurationsSynced consumes the logged durations and synchronizes them across
// the ranks of g, keeping for every name the longest duration any rank measured: in
// a lockstep loop the slowest rank bounds the step, so its timing is the meaningful
// one. Every rank must have logged the same set of names.
//
// Collective over g.
func (st *ScopedTimer) ConsumeDurationsSynced(g comms.Group) (map[string]time.Duration, error) {
	durations := st.ConsumeDurations()
	seconds := make(map[string]float64, len(durations))
	for name, duration := range durations {
		seconds[name] = duration.Seconds()
	}
	synced, err := comms.AllReduceMap(g, seconds, comms.ReduceMax)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(synced))
	for name, s := range synced {
		out[name] = time.Duration(s * float64(time.Second))
	}
	return out, nil
}

// Timer tracks a wall-clock budget given as "DD:HH:MM:SS". The expiry check is
// collective: rank 0 of the group decides and broadcasts the decision, so no rank
// ever exits a loop of collectives on its own local clock.
type Timer struct {
	limit    time.Duration
	hasLimit bool
	started  time.Time
}

// NewTimer parses a "DD:HH:MM:SS" wall-clock budget. An empty string means no limit:
// IsFinished never reports true.
func NewTimer(budget string) (*Timer, error) {
	t := &Timer{}
	if budget == "" {
		return t, nil
	}
	parts := strings.Split(strings.TrimSpace(budget), ":")
	if len(parts) != 4 {
		return nil, errors.Errorf("time budget %q must have the form DD:HH:MM:SS", budget)
	}
	fields := make([]int, 4)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return nil, errors.Errorf("time budget %q must have the form DD:HH:MM:SS", budget)
		}
		fields[i] = v
	}
	days, hours, mins, secs := fields[0], fields[1], fields[2], fields[3]
	t.limit = time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second
	t.hasLimit = true
	return t, nil
}

// Start marks the beginning of the budgeted period.
func (t *Timer) Start() { t.started = time.Now() }

// Elapsed returns the time since Start.
func (t *Timer) Elapsed() time.Duration { return time.Since(t.started) }

// Remaining returns the budget left. Without a limit it returns the maximum
// representable duration.
func (t *Timer) Remaining() time.Duration {
	if !t.hasLimit {
		return time.Duration(1<<63 - 1)
	}
	return t.limit - t.Elapsed()
}

// IsFinished reports whether the budget is exhausted. Only rank 0's clock counts:
// its decision is broadcast over g so every rank agrees and exits together.
// Collective over g.
func (t *Timer) IsFinished(g comms.Group) (bool, error) {
	var decision []byte
	if g.Rank() == 0 {
		decision = []byte{0}
		if t.Remaining() <= 0 {
			decision[0] = 1
		}
	}
	decision, err := g.BroadcastBytes(0, decision)
	if err != nil {
		return false, err
	}
	if len(decision) != 1 {
		return false, errors.Errorf("expected a 1-byte decision, got %d bytes", len(decision))
	}
	return decision[0] == 1, nil
}
