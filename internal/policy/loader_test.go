package policy

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoaderLoadSnapshot(t *testing.T) {
	tempDir := t.TempDir()

	strictContent := `
name: strict
window_buffer_hours: 8
auto_validate_floor: 0.98
review_floor: 0.70
asset_weight: 0.55
time_weight: 0.40
tight_fit_bonus: 0.05
`
	listContent := `
- name: lab
  window_buffer_hours: 48
  auto_validate_floor: 0.90
  review_floor: 0.40
  asset_weight: 0.55
  time_weight: 0.35
  tight_fit_bonus: 0.05
- name: broken
  window_buffer_hours: -1
  auto_validate_floor: 0.90
  review_floor: 0.40
  asset_weight: 0.55
  time_weight: 0.35
  tight_fit_bonus: 0.05
`

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "01-strict.yaml"), []byte(strictContent), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "02-envs.yaml"), []byte(listContent), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "ignored.txt"), []byte("not yaml"), 0644))

	loader := NewLoader(tempDir, false, 0, testLogger())
	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)

	// Built-in default plus strict and lab; the broken profile is skipped.
	assert.Len(t, snapshot.Profiles, 3)
	assert.Equal(t, []string{"default", "lab", "strict"}, loader.Names())

	strict := loader.Profile("strict")
	assert.Equal(t, 8, strict.WindowBufferHours)
	assert.Equal(t, 0.98, strict.AutoValidateFloor)
}

func TestLoaderProfileFallback(t *testing.T) {
	loader := NewLoader(t.TempDir(), false, 0, testLogger())
	_, err := loader.LoadSnapshot()
	require.NoError(t, err)

	assert.Equal(t, Default(), loader.Profile(""))
	assert.Equal(t, Default(), loader.Profile("no-such-profile"))
}

func TestLoaderMissingDirUsesDefault(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "does-not-exist"), false, 0, testLogger())
	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot.Profiles, 1)
	assert.Equal(t, Default(), loader.Profile("default"))
}

func TestLoaderOverride(t *testing.T) {
	loader := NewLoader(t.TempDir(), false, 0, testLogger())
	_, err := loader.LoadSnapshot()
	require.NoError(t, err)

	p := Default()
	p.WindowBufferHours = 12
	require.NoError(t, loader.Override(p))
	assert.Equal(t, 12, loader.Profile("default").WindowBufferHours)

	bad := Default()
	bad.ReviewFloor = 0.99
	assert.Error(t, loader.Override(bad))
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
		valid  bool
	}{
		{"default is valid", func(p *Profile) {}, true},
		{"missing name", func(p *Profile) { p.Name = "" }, false},
		{"negative buffer", func(p *Profile) { p.WindowBufferHours = -1 }, false},
		{"floor above one", func(p *Profile) { p.AutoValidateFloor = 1.5 }, false},
		{"review floor above auto floor", func(p *Profile) { p.ReviewFloor = 0.99 }, false},
		{"negative weight", func(p *Profile) { p.AssetWeight = -0.1 }, false},
		{"weights exceed one", func(p *Profile) { p.AssetWeight = 0.9 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(&p)
			if tt.valid {
				assert.NoError(t, p.Validate())
			} else {
				assert.Error(t, p.Validate())
			}
		})
	}
}

func TestManagerApplyChange(t *testing.T) {
	loader := NewLoader(t.TempDir(), false, 0, testLogger())
	_, err := loader.LoadSnapshot()
	require.NoError(t, err)

	m := &Manager{loader: loader, logger: testLogger()}

	m.handleChange([]byte(`{"key":"validator.window_buffer_hours","value":12,"updated_by":"ops"}`))
	assert.Equal(t, 12, loader.Profile("default").WindowBufferHours)

	m.handleChange([]byte(`{"key":"validator.review_floor","value":0.6}`))
	assert.Equal(t, 0.6, loader.Profile("default").ReviewFloor)

	// Unknown keys and invalid values leave the profile untouched.
	m.handleChange([]byte(`{"key":"validator.unknown","value":1}`))
	m.handleChange([]byte(`{"key":"validator.review_floor","value":2.5}`))
	assert.Equal(t, 0.6, loader.Profile("default").ReviewFloor)
}
