// Package policy holds the validation policy surface: time-window buffer,
// confidence floors, and scoring weights. Profiles are plain YAML files so
// operators can run different thresholds per environment without code
// changes, and a stricter production profile can sit next to a lab one.
package policy

import (
	"fmt"
	"time"
)

// DefaultProfileName is the profile used when a caller does not ask for a
// specific one.
const DefaultProfileName = "default"

// Profile is one named threshold/weight configuration.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	// WindowBufferHours expands a ticket's execution window on both ends
	// when matching detection timestamps.
	WindowBufferHours int `yaml:"window_buffer_hours" json:"window_buffer_hours"`

	// AutoValidateFloor is the confidence at or above which an
	// asset+time-window match is auto-validated.
	AutoValidateFloor float64 `yaml:"auto_validate_floor" json:"auto_validate_floor"`

	// ReviewFloor is the confidence below which a finding is flagged
	// potentially unauthorized instead of queued for manual review.
	ReviewFloor float64 `yaml:"review_floor" json:"review_floor"`

	// AssetWeight and TimeWeight are the binary factor contributions of
	// the asset+time-window path. TightFitBonus is added when the
	// detection timestamp falls inside the raw ticket window, without
	// buffer expansion.
	AssetWeight   float64 `yaml:"asset_weight" json:"asset_weight"`
	TimeWeight    float64 `yaml:"time_weight" json:"time_weight"`
	TightFitBonus float64 `yaml:"tight_fit_bonus" json:"tight_fit_bonus"`
}

// Default returns the stock profile: ±24h buffer, 0.95 auto-validation
// floor, 0.50 review floor, and weights scaled so a buffered-window match
// lands exactly on the auto-validation floor and a tight fit reaches 1.0.
func Default() Profile {
	return Profile{
		Name:              DefaultProfileName,
		WindowBufferHours: 24,
		AutoValidateFloor: 0.95,
		ReviewFloor:       0.50,
		AssetWeight:       0.55,
		TimeWeight:        0.40,
		TightFitBonus:     0.05,
	}
}

// WindowBuffer returns the buffer as a duration.
func (p Profile) WindowBuffer() time.Duration {
	return time.Duration(p.WindowBufferHours) * time.Hour
}

// Validate checks profile sanity.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.WindowBufferHours < 0 {
		return fmt.Errorf("profile %s: window_buffer_hours must not be negative", p.Name)
	}
	if p.AutoValidateFloor < 0 || p.AutoValidateFloor > 1 {
		return fmt.Errorf("profile %s: auto_validate_floor must be between 0.0 and 1.0", p.Name)
	}
	if p.ReviewFloor < 0 || p.ReviewFloor > 1 {
		return fmt.Errorf("profile %s: review_floor must be between 0.0 and 1.0", p.Name)
	}
	if p.ReviewFloor > p.AutoValidateFloor {
		return fmt.Errorf("profile %s: review_floor must not exceed auto_validate_floor", p.Name)
	}
	if p.AssetWeight < 0 || p.TimeWeight < 0 || p.TightFitBonus < 0 {
		return fmt.Errorf("profile %s: weights must not be negative", p.Name)
	}
	if p.AssetWeight+p.TimeWeight+p.TightFitBonus > 1 {
		return fmt.Errorf("profile %s: combined weights must not exceed 1.0", p.Name)
	}
	return nil
}
