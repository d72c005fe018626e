// Package reference loads and hot-reloads barcode-keyed chamber test
// profiles from a directory of YAML files, adapted from the fleet's
// device profile loader — a profile here describes a reference test
// (targets, thresholds, tolerances, duration) instead of an
// instrument's wire protocol.
package reference

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/holla2040/leakrig/internal/engine"
)

// ChamberProfile is a single chamber's parameters as loaded from YAML.
type ChamberProfile struct {
	Enabled       bool    `yaml:"enabled"`
	TargetMbar    float32 `yaml:"target_mbar"`
	ThresholdMbar float32 `yaml:"threshold_mbar"`
	ToleranceMbar float32 `yaml:"tolerance_mbar"`
	OffsetMbar    float32 `yaml:"offset_mbar"`
}

// Profile is a reference test definition, keyed by the barcode
// scanned at run start.
type Profile struct {
	Barcode      string           `yaml:"-"`
	Description  string           `yaml:"description"`
	TestDuration time.Duration    `yaml:"test_duration"`
	Chambers     [3]ChamberProfile `yaml:"chambers"`
}

// ToTestConfig builds an engine.TestConfig from the profile, for the
// given operator.
func (p Profile) ToTestConfig(operatorID, operatorName string) engine.TestConfig {
	cfg := engine.TestConfig{
		TestDuration: p.TestDuration,
		Mode:         engine.ModeReference,
		Reference:    p.Barcode,
		OperatorID:   operatorID,
		OperatorName: operatorName,
	}
	for i, c := range p.Chambers {
		cfg.Chambers[i] = engine.ChamberConfig{
			Enabled:       c.Enabled,
			TargetMbar:    engine.Pressure(c.TargetMbar),
			ThresholdMbar: engine.Pressure(c.ThresholdMbar),
			ToleranceMbar: engine.Pressure(c.ToleranceMbar),
			OffsetMbar:    c.OffsetMbar,
		}
	}
	return cfg
}

// loadProfile reads and parses a single YAML profile file. The barcode
// is derived from the filename with its extension stripped.
func loadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reference: read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("reference: parse profile %s: %w", path, err)
	}
	base := filepath.Base(path)
	p.Barcode = strings.TrimSuffix(base, filepath.Ext(base))
	return p, nil
}

// loadAll walks dir for .yaml/.yml files and returns them keyed by
// barcode.
func loadAll(dir string) (map[string]Profile, error) {
	profiles := make(map[string]Profile)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("reference: walk %s: %w", path, err)
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		p, err := loadProfile(path)
		if err != nil {
			return err
		}
		profiles[p.Barcode] = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reference: load profiles from %s: %w", dir, err)
	}
	return profiles, nil
}

// Resolver serves chamber profiles by barcode and reloads them from
// disk whenever the profile directory changes, including while a run is
// in progress. Lookup is read-only and safe to call at any time. A
// reload does not affect a running test: engine.Start keeps its own
// copy of the TestConfig built from a profile, so only runs started
// after the reload see the new profiles.
type Resolver struct {
	dir string

	mu       sync.RWMutex
	profiles map[string]Profile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewResolver loads every profile in dir and starts watching it for
// changes. Call Close to stop watching.
func NewResolver(dir string) (*Resolver, error) {
	profiles, err := loadAll(dir)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reference: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("reference: watch %s: %w", dir, err)
	}

	r := &Resolver{
		dir:      dir,
		profiles: profiles,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go r.watch()
	return r, nil
}

// Lookup returns the profile for barcode, if one is loaded.
func (r *Resolver) Lookup(barcode string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[barcode]
	return p, ok
}

// Barcodes returns every currently-loaded barcode, sorted.
func (r *Resolver) Barcodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for b := range r.profiles {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Close stops the directory watch.
func (r *Resolver) Close() error {
	close(r.done)
	return r.watcher.Close()
}

func (r *Resolver) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			reloaded, err := loadAll(r.dir)
			if err != nil {
				log.Printf("reference: reload after %s failed, keeping previous profiles: %v", event.Name, err)
				continue
			}
			r.mu.Lock()
			r.profiles = reloaded
			r.mu.Unlock()
			log.Printf("reference: reloaded %d profiles after change to %s", len(reloaded), event.Name)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("reference: watcher error: %v", err)

		case <-r.done:
			return
		}
	}
}
