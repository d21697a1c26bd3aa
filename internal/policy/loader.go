package policy

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads policy profiles from a directory of YAML files and keeps
// an immutable snapshot that callers read without locking the files.
type Loader struct {
	profilesDir string
	hotReload   bool
	debounceMs  int
	logger      *slog.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
}

// Snapshot is a loaded set of profiles plus a version stamp.
type Snapshot struct {
	Profiles map[string]Profile
	Version  int64
}

// NewLoader creates a loader for the given directory. An empty directory
// path disables file loading and the built-in default profile is used.
func NewLoader(profilesDir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		profilesDir: profilesDir,
		hotReload:   hotReload,
		debounceMs:  debounceMs,
		logger:      logger,
	}
}

// LoadSnapshot reads every profile file, validates each profile, and
// swaps in the new snapshot. Invalid profiles are skipped with a warning
// so one bad file cannot take down the good ones. The built-in default is
// always present unless a file overrides it.
func (l *Loader) LoadSnapshot() (*Snapshot, error) {
	profiles := map[string]Profile{
		DefaultProfileName: Default(),
	}

	if l.profilesDir != "" {
		files, err := l.readProfileFiles()
		if err != nil {
			return nil, fmt.Errorf("read policy dir: %w", err)
		}

		for _, file := range files {
			loaded, err := l.loadProfilesFromFile(file)
			if err != nil {
				l.logger.Warn("Failed to load policy file", "file", file, "error", err)
				continue
			}
			for _, p := range loaded {
				if err := p.Validate(); err != nil {
					l.logger.Warn("Invalid policy profile skipped", "file", file, "error", err)
					continue
				}
				profiles[p.Name] = p
			}
		}
	}

	snapshot := &Snapshot{
		Profiles: profiles,
		Version:  time.Now().UnixNano(),
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.logger.Info("Policy snapshot loaded",
		"profiles", len(profiles),
		"dir", l.profilesDir,
		"version", snapshot.Version)
	return snapshot, nil
}

// Profile returns the named profile, falling back to the default when the
// name is unknown or empty.
func (l *Loader) Profile(name string) Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot != nil {
		if name == "" {
			name = DefaultProfileName
		}
		if p, ok := l.snapshot.Profiles[name]; ok {
			return p
		}
		if p, ok := l.snapshot.Profiles[DefaultProfileName]; ok {
			return p
		}
	}
	return Default()
}

// Names returns the loaded profile names, sorted.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return []string{DefaultProfileName}
	}
	names := make([]string, 0, len(l.snapshot.Profiles))
	for name := range l.snapshot.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Override replaces one profile in place, used by the live configuration
// channel. The next file reload wins over an override.
func (l *Loader) Override(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.snapshot == nil {
		l.snapshot = &Snapshot{Profiles: map[string]Profile{DefaultProfileName: Default()}}
	}
	l.snapshot.Profiles[p.Name] = p
	l.snapshot.Version = time.Now().UnixNano()
	return nil
}

// WatchForChanges starts a polling watcher over the profile directory and
// reloads with debounce when a file changes. No-op when hot reload is
// disabled or no directory is configured.
func (l *Loader) WatchForChanges() {
	if !l.hotReload || l.profilesDir == "" {
		l.logger.Info("Policy hot reload disabled")
		return
	}

	l.logger.Info("Starting policy file watcher", "dir", l.profilesDir)
	reloadChan := make(chan struct{}, 1)
	go l.watchFiles(reloadChan)
	go l.debouncedReload(reloadChan)
}

func (l *Loader) readProfileFiles() ([]string, error) {
	if _, err := os.Stat(l.profilesDir); os.IsNotExist(err) {
		l.logger.Info("Policy directory does not exist, using built-in default", "dir", l.profilesDir)
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(l.profilesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (l *Loader) loadProfilesFromFile(filename string) ([]Profile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// A file holds either a single profile or a list of them.
	var single Profile
	if err := yaml.Unmarshal(data, &single); err == nil && single.Name != "" {
		return []Profile{single}, nil
	}

	var many []Profile
	if err := yaml.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return many, nil
}

func (l *Loader) watchFiles(reloadChan chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastModTime time.Time

	for range ticker.C {
		hasChanges := false

		err := filepath.WalkDir(l.profilesDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(lastModTime) {
				lastModTime = info.ModTime()
				hasChanges = true
			}
			return nil
		})
		if err != nil {
			l.logger.Error("Error watching policy files", "error", err)
			continue
		}

		if hasChanges {
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		}
	}
}

func (l *Loader) debouncedReload(reloadChan chan struct{}) {
	var timer *time.Timer

	for range reloadChan {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
			l.logger.Info("Policy files changed, reloading")
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload policy profiles", "error", err)
			}
		})
	}
}
