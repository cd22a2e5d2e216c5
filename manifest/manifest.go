// Package manifest handles lazyrt.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/lazyrt/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "lazyrt.toml"

// Manifest represents a lazyrt.toml configuration.
type Manifest struct {
	Scheduler Scheduler `toml:"scheduler"`
	GC        GC        `toml:"gc"`
	Log       Log       `toml:"log"`
	Trace     Trace     `toml:"trace"`

	// Dir is the directory containing the lazyrt.toml file (set at load time).
	Dir string `toml:"-"`
}

// Scheduler tunes time slicing.
type Scheduler struct {
	Slice      Duration `toml:"slice"`
	Batch      int      `toml:"batch"`
	YieldAfter Duration `toml:"yield-after"`
}

// GC configures the collector.
type GC struct {
	Interval   Duration `toml:"interval"`
	RetainCAFs bool     `toml:"retain-cafs"`
}

// Log configures commonlog output.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Trace configures the event database.
type Trace struct {
	DB string `toml:"db"`
}

// Duration is a time.Duration written as a Go duration string ("25ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns a manifest holding the runtime's default tuning.
func Default() *Manifest {
	o := vm.DefaultOptions()
	return &Manifest{
		Scheduler: Scheduler{
			Slice:      Duration(o.Slice),
			Batch:      o.Batch,
			YieldAfter: Duration(o.YieldAfter),
		},
		GC:  GC{Interval: Duration(o.GCInterval)},
		Log: Log{Verbosity: 1},
	}
}

// Load parses a lazyrt.toml file from the given directory. Keys the file
// leaves out keep their default values.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if m.Scheduler.Batch < 0 {
		return nil, fmt.Errorf("%s: scheduler.batch must not be negative", path)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a lazyrt.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Write encodes m as lazyrt.toml into dir.
func Write(dir string, m *Manifest) error {
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}

// Options converts the manifest into runtime options. Clock, Host and
// Observer are left for the caller.
func (m *Manifest) Options() vm.Options {
	return vm.Options{
		Slice:      time.Duration(m.Scheduler.Slice),
		Batch:      m.Scheduler.Batch,
		YieldAfter: time.Duration(m.Scheduler.YieldAfter),
		GCInterval: time.Duration(m.GC.Interval),
		RetainCAFs: m.GC.RetainCAFs,
	}
}

// Path resolves p relative to the manifest directory. Empty stays empty.
func (m *Manifest) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
