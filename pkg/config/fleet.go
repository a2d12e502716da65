package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// FleetSettings is the parent fleet controller's own startup configuration
// -- distinct from the wire-format config materialised per job (§6.3).
// Loaded from an optional TOML file, then overridable by command-line
// flags in cmd/quicksand, the same two-stage pattern the teacher uses for
// OCI annotation overrides in runsc/config.
type FleetSettings struct {
	TestCase string `toml:"test_case"`

	Concurrency int    `toml:"concurrency"`
	TimeBudget  string `toml:"time_budget"` // parsed with time.ParseDuration
	TraceDir    string `toml:"trace_dir"`
	LeaveLogs   bool   `toml:"leave_logs"`

	Pintos bool `toml:"pintos"`
	Pathos bool `toml:"pathos"`

	ICB               bool `toml:"icb"`
	PreemptEverywhere bool `toml:"preempt_everywhere"`
	PureHappensBefore bool `toml:"pure_happens_before"`

	HTM              bool `toml:"htm"`
	HTMAbortCodes    bool `toml:"htm_abort_codes"`
	HTMDontRetry     bool `toml:"htm_dont_retry"`
	HTMAbortSets     bool `toml:"htm_abort_sets"`
	HTMWeakAtomicity bool `toml:"htm_weak_atomicity"`

	SimulatorPath string `toml:"simulator_path"`
	ScratchDir    string `toml:"scratch_dir"`
}

// DefaultFleetSettings mirrors the original's built-in defaults absent any
// settings file.
func DefaultFleetSettings() FleetSettings {
	return FleetSettings{
		Concurrency: 4,
		TimeBudget:  "1h",
		ScratchDir:  "/tmp/landslide-scratch",
	}
}

// LoadFleetSettings decodes a TOML settings file, layering it over the
// defaults. A missing path is not an error -- callers get DefaultFleetSettings
// back, matching the teacher's "settings file is optional" posture for OCI
// bundle config.
func LoadFleetSettings(path string) (FleetSettings, error) {
	fs := DefaultFleetSettings()
	if path == "" {
		return fs, nil
	}
	if _, err := toml.DecodeFile(path, &fs); err != nil {
		return FleetSettings{}, fmt.Errorf("config: decoding fleet settings %q: %w", path, err)
	}
	return fs, nil
}

// ParsedTimeBudget parses TimeBudget, defaulting to one hour if unset or
// unparseable (the fleet controller should never fail to start over a bad
// duration string -- it just falls back to a conservative default).
func (fs FleetSettings) ParsedTimeBudget() time.Duration {
	if fs.TimeBudget == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(fs.TimeBudget)
	if err != nil {
		return time.Hour
	}
	return d
}

// ToStatic projects the fleet settings relevant to a single job's static
// config file (§6.3). TestCase and any special-case augmentation are
// layered in by the caller (internal/worker), since those are per-job, not
// fleet-wide.
func (fs FleetSettings) ToStatic() Static {
	return Static{
		Verbose:           false,
		ICB:               fs.ICB,
		PreemptEverywhere: fs.PreemptEverywhere,
		PureHappensBefore: fs.PureHappensBefore,
		HTM:               fs.HTM,
		HTMAbortCodes:     fs.HTMAbortCodes,
		HTMDontRetry:      fs.HTMDontRetry,
		HTMAbortSets:      fs.HTMAbortSets,
		HTMWeakAtomicity:  fs.HTMWeakAtomicity,
		Pintos:            fs.Pintos,
		Pathos:            fs.Pathos,
	}
}
