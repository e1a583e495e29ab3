package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"RedDaySentinel/internal/model"
)

// ErrCorruptState is returned by LoadState when the file exists but cannot be decoded.
var ErrCorruptState = errors.New("corrupt state file")

// LoadState reads the trigger state from a JSON file. Returns first-run defaults if the file doesn't exist.
// Keys missing from the file keep their defaults.
func LoadState(filePath string) (*model.TriggerState, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewTriggerState(), nil
		}
		return nil, err
	}
	state := model.NewTriggerState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, filePath, err)
	}
	if state.TriggerHistory == nil {
		state.TriggerHistory = []model.TriggerRecord{}
	}
	if err := upgradeLegacyHistory(data, state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, filePath, err)
	}
	return state, nil
}

// legacyRecord holds the history keys of state files that predate per-email
// confirmation. Those records carry a free-text type instead of a category.
type legacyRecord struct {
	Type         string  `json:"type"`
	Notification *string `json:"notification"`
}

// upgradeLegacyHistory marks records without a notification key as delivered
// and derives their category from the legacy type label.
func upgradeLegacyHistory(data []byte, state *model.TriggerState) error {
	var raw struct {
		TriggerHistory []legacyRecord `json:"trigger_history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, lr := range raw.TriggerHistory {
		if i >= len(state.TriggerHistory) {
			break
		}
		rec := &state.TriggerHistory[i]
		if lr.Notification == nil {
			rec.Notification = model.NotificationSent
		}
		if rec.Category == "" {
			rec.Category = legacyCategory(lr.Type)
		}
	}
	return nil
}

func legacyCategory(label string) model.TriggerCategory {
	switch {
	case strings.HasPrefix(label, "Intraday"):
		return model.CategoryIntradayDip
	case strings.HasPrefix(label, "Close-to-close"):
		return model.CategoryCloseToClose
	case strings.HasPrefix(label, "Manual"):
		return model.CategoryManual
	}
	return model.TriggerCategory(label)
}

// SaveState overwrites the state file atomically: the JSON is written to a
// temp file in the same directory and renamed over the target.
func SaveState(filePath string, state *model.TriggerState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}

// quarantine moves an unreadable state file aside so the next save does not destroy it.
func quarantine(filePath string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%s", filePath, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(filePath, dst); err != nil {
		return "", err
	}
	return dst, nil
}
