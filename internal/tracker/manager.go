package tracker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"RedDaySentinel/internal/model"
	"RedDaySentinel/internal/strategy"
)

var (
	ErrNotFired       = errors.New("decision did not fire")
	ErrStaleDecision  = errors.New("decision is stale")
	ErrUnknownTrigger = errors.New("unknown trigger number")
)

// Manager is the owned handle over the persisted trigger state.
// Every mutation is saved before the method returns. Each operation holds an
// exclusive lock on <file>.lock and re-reads the file first, so a worker and
// the trigger/reset commands can share one state file.
type Manager struct {
	mu       sync.Mutex
	state    *model.TriggerState
	filePath string
	fileLock *flock.Flock
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager creates a Manager, loading or initializing state from disk.
// A malformed file is moved aside and replaced by first-run defaults.
func NewManager(filePath string, log zerolog.Logger) (*Manager, error) {
	log = log.With().Str("component", "tracker").Logger()
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	m := &Manager{filePath: filePath, fileLock: flock.New(filePath + ".lock"), log: log, now: time.Now}

	if err := m.fileLock.Lock(); err != nil {
		return nil, fmt.Errorf("lock state file: %w", err)
	}
	defer m.fileLock.Unlock()

	state, err := LoadState(filePath)
	switch {
	case errors.Is(err, ErrCorruptState):
		moved, qerr := quarantine(filePath, m.now())
		if qerr != nil {
			return nil, fmt.Errorf("quarantine state file: %w", qerr)
		}
		log.Warn().Err(err).Str("moved_to", moved).Msg("state file unreadable, starting from defaults")
		state = model.NewTriggerState()
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	}

	if state.TriggerCount != len(state.TriggerHistory) {
		log.Warn().
			Int("trigger_count", state.TriggerCount).
			Int("history", len(state.TriggerHistory)).
			Msg("trigger count does not match history length")
	}

	m.state = state
	if err := m.save(); err != nil {
		return nil, err
	}
	return m, nil
}

// FilePath returns the backing state file.
func (m *Manager) FilePath() string { return m.filePath }

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() model.TriggerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.locked(func() error { return nil }); err != nil {
		m.log.Warn().Err(err).Msg("serving cached trigger state")
	}
	return m.state.Clone()
}

// locked runs fn holding the file lock, after re-reading the state file.
// The caller holds m.mu.
func (m *Manager) locked(fn func() error) error {
	if err := m.fileLock.Lock(); err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	defer m.fileLock.Unlock()

	state, err := LoadState(m.filePath)
	if err != nil {
		m.log.Warn().Err(err).Msg("re-reading state file failed, keeping in-memory state")
	} else {
		m.state = state
	}
	return fn()
}

// RefreshReference stores the latest completed daily close. Older dates than
// the one already held are ignored. Reports whether the state changed.
func (m *Manager) RefreshReference(close float64, date string) (bool, error) {
	if close <= 0 || date == "" {
		return false, fmt.Errorf("%w: reference close %v on %q", strategy.ErrInvalidInput, close, date)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	err := m.locked(func() error {
		cur := m.state.YesterdayCloseDate
		if cur != nil && *cur > date {
			return nil
		}
		if cur != nil && *cur == date && m.state.YesterdayClose != nil && *m.state.YesterdayClose == close {
			return nil
		}

		prevClose, prevDate := m.state.YesterdayClose, m.state.YesterdayCloseDate
		m.state.YesterdayClose = &close
		m.state.YesterdayCloseDate = &date
		if err := m.save(); err != nil {
			m.state.YesterdayClose, m.state.YesterdayCloseDate = prevClose, prevDate
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.log.Info().Float64("close", close).Str("date", date).Msg("reference close refreshed")
	}
	return changed, nil
}

// Commit persists a fired decision with a pending notification status.
// Nothing may be sent for the trigger until Commit has returned successfully.
func (m *Manager) Commit(d model.Decision, at time.Time) (model.TriggerRecord, error) {
	if !d.Fired {
		return model.TriggerRecord{}, ErrNotFired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var rec model.TriggerRecord
	err := m.locked(func() error {
		if d.TriggerNumber != m.state.TriggerCount+1 {
			return fmt.Errorf("%w: trigger #%d, count is %d", ErrStaleDecision, d.TriggerNumber, m.state.TriggerCount)
		}
		if last := m.state.LastTriggerDate; last != nil && *last >= d.Observation.SessionDate {
			return fmt.Errorf("%w: already triggered on %s", ErrStaleDecision, *last)
		}

		next := strategy.Apply(*m.state, d, at)
		if err := SaveState(m.filePath, &next); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		m.state = &next
		rec = next.TriggerHistory[len(next.TriggerHistory)-1]
		return nil
	})
	if err != nil {
		return model.TriggerRecord{}, err
	}

	m.log.Info().
		Int("trigger", rec.Number).
		Str("category", string(rec.Category)).
		Float64("drop_pct", rec.DropPct).
		Msg("trigger committed, notifications pending")
	return rec.Clone(), nil
}

// MarkBrokerSent records a confirmed broker email for trigger n.
func (m *Manager) MarkBrokerSent(n int, at time.Time) error {
	return m.mark(n, func(r *model.TriggerRecord) {
		t := at.UTC()
		r.BrokerSentAt = &t
	})
}

// MarkPersonalSent records a confirmed personal email for trigger n.
func (m *Manager) MarkPersonalSent(n int, at time.Time) error {
	return m.mark(n, func(r *model.TriggerRecord) {
		t := at.UTC()
		r.PersonalSentAt = &t
	})
}

// MarkCompletionSent records a confirmed completion email for trigger n.
func (m *Manager) MarkCompletionSent(n int, at time.Time) error {
	return m.mark(n, func(r *model.TriggerRecord) {
		t := at.UTC()
		r.CompletionSentAt = &t
	})
}

func (m *Manager) mark(n int, fn func(*model.TriggerRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked(func() error { return m.markLocked(n, fn) })
}

func (m *Manager) markLocked(n int, fn func(*model.TriggerRecord)) error {
	idx := -1
	for i := range m.state.TriggerHistory {
		if m.state.TriggerHistory[i].Number == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: #%d", ErrUnknownTrigger, n)
	}

	prev := m.state.TriggerHistory[idx].Clone()
	rec := &m.state.TriggerHistory[idx]
	fn(rec)
	if rec.Delivered() {
		rec.Notification = model.NotificationSent
	}
	if err := m.save(); err != nil {
		m.state.TriggerHistory[idx] = prev
		return err
	}
	return nil
}

// Pending returns copies of records whose notifications are not yet confirmed, oldest first.
func (m *Manager) Pending() []model.TriggerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.locked(func() error { return nil }); err != nil {
		m.log.Warn().Err(err).Msg("listing pending from cached trigger state")
	}

	var out []model.TriggerRecord
	for _, r := range m.state.TriggerHistory {
		if r.Pending() {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Reset replaces the state with first-run defaults. Operator action only.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.locked(func() error {
		prev := m.state
		m.state = model.NewTriggerState()
		if err := m.save(); err != nil {
			m.state = prev
			return err
		}
		m.log.Warn().Int("previous_count", prev.TriggerCount).Msg("trigger state reset")
		return nil
	})
}

func (m *Manager) save() error {
	if err := SaveState(m.filePath, m.state); err != nil {
		m.log.Error().Err(err).Str("path", m.filePath).Msg("failed to save trigger state")
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
