package policy

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
)

// Manager applies live policy changes arriving over the bus so threshold
// adjustments do not require a restart. File reloads still win: a change
// is an in-memory override on top of the loaded snapshot.
type Manager struct {
	loader *Loader
	nats   *nats.Conn
	logger *slog.Logger
}

// ChangeMessage is one configuration change from the config.changed
// subject. Profile selects which profile to adjust; empty means default.
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Profile   string          `json:"profile,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewManager creates a policy manager over the given loader.
func NewManager(loader *Loader, nc *nats.Conn, logger *slog.Logger) *Manager {
	return &Manager{loader: loader, nats: nc, logger: logger}
}

// Subscribe starts listening for policy changes on config.changed.
func (m *Manager) Subscribe() error {
	_, err := m.nats.Subscribe("config.changed", func(msg *nats.Msg) {
		m.handleChange(msg.Data)
	})
	if err != nil {
		return err
	}
	m.logger.Info("Subscribed to config.changed NATS subject")
	return nil
}

func (m *Manager) handleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	profile := m.loader.Profile(change.Profile)
	if !m.applyChange(&profile, &change) {
		m.logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		return
	}

	if err := m.loader.Override(profile); err != nil {
		m.logger.Error("Rejected live policy change", "key", change.Key, "error", err)
		return
	}

	m.logger.Info("Policy updated live",
		"key", change.Key,
		"profile", profile.Name,
		"updated_by", change.UpdatedBy,
		"window_buffer_hours", profile.WindowBufferHours,
		"auto_validate_floor", profile.AutoValidateFloor,
		"review_floor", profile.ReviewFloor)
}

func (m *Manager) applyChange(p *Profile, change *ChangeMessage) bool {
	switch change.Key {
	case "validator.window_buffer_hours":
		if v, ok := decodeInt(change.Value); ok {
			p.WindowBufferHours = v
			return true
		}
	case "validator.auto_validate_floor":
		if v, ok := decodeFloat(change.Value); ok {
			p.AutoValidateFloor = v
			return true
		}
	case "validator.review_floor":
		if v, ok := decodeFloat(change.Value); ok {
			p.ReviewFloor = v
			return true
		}
	case "validator.asset_weight":
		if v, ok := decodeFloat(change.Value); ok {
			p.AssetWeight = v
			return true
		}
	case "validator.time_weight":
		if v, ok := decodeFloat(change.Value); ok {
			p.TimeWeight = v
			return true
		}
	case "validator.tight_fit_bonus":
		if v, ok := decodeFloat(change.Value); ok {
			p.TightFitBonus = v
			return true
		}
	}
	return false
}

func decodeInt(raw json.RawMessage) (int, bool) {
	var v int
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	if v, err := strconv.Atoi(string(raw)); err == nil {
		return v, true
	}
	return 0, false
}

func decodeFloat(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	if v, err := strconv.ParseFloat(string(raw), 64); err == nil {
		return v, true
	}
	return 0, false
}
