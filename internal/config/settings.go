// Package config holds the loop settings file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mrcode/nightscout-loop/internal/pump"
)

const appName = "nightscout-loop"

// Display units
const (
	UnitMgdl  = "mg/dL"
	UnitMmolL = "mmol/L"
)

// Settings contains all loop settings
type Settings struct {
	mu sync.RWMutex `yaml:"-"`

	// Connection settings
	NightscoutURL string        `yaml:"nightscoutUrl" validate:"omitempty,url"`
	APISecret     string        `yaml:"apiSecret"` // plain secret, hashed before sending
	APIToken      string        `yaml:"apiToken"`
	UseToken      bool          `yaml:"useToken"`
	CacheTTL      time.Duration `yaml:"cacheTtl" validate:"gte=0"`

	// Loop control
	ClosedLoop         bool          `yaml:"closedLoop"`
	LoopInterval       time.Duration `yaml:"loopInterval" validate:"gte=1m"`
	GlucoseMaxAge      time.Duration `yaml:"glucoseMaxAge" validate:"gt=0"`
	FlatWindow         time.Duration `yaml:"flatWindow" validate:"gt=0"`
	FlatMinSamples     int           `yaml:"flatMinSamples" validate:"gte=2"`
	PumpTimeout        time.Duration `yaml:"pumpTimeout" validate:"gt=0"`
	SuggestionExpiry   time.Duration `yaml:"suggestionExpiry" validate:"gt=0"`
	NeutralTempMinutes int           `yaml:"neutralTempMinutes" validate:"gte=0,lte=120"`

	// Algorithm features
	EnableSMB           bool    `yaml:"enableSMB"`
	EnableUAM           bool    `yaml:"enableUAM"`
	CarbAbsorptionHours float64 `yaml:"carbAbsorptionHours" validate:"gte=0"`
	BolusIncrement      float64 `yaml:"bolusIncrement" validate:"gt=0"`

	// Safety limits; zero keeps the value from the Nightscout profile
	MaxBasal        float64 `yaml:"maxBasal" validate:"gte=0"`
	MaxBolus        float64 `yaml:"maxBolus" validate:"gte=0"`
	MaxIOB          float64 `yaml:"maxIOB" validate:"gte=0"`
	MaxCOB          float64 `yaml:"maxCOB" validate:"gte=0"`
	Min5mCarbImpact float64 `yaml:"min5mCarbImpact" validate:"gte=0"`

	// Runtime
	DatabasePath  string             `yaml:"databasePath"`
	MetricsAddr   string             `yaml:"metricsAddr"`
	Notifications bool               `yaml:"notifications"`
	AlertRepeat   time.Duration      `yaml:"alertRepeat" validate:"gte=0"` // 0 alerts once per episode
	Units         string             `yaml:"units" validate:"oneof=mg/dL mmol/L"`
	Verbose       bool               `yaml:"verbose"`
	Pump          pump.VirtualConfig `yaml:"pump"`
}

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	return &Settings{
		CacheTTL: 2 * time.Minute,

		ClosedLoop:         false,
		LoopInterval:       5 * time.Minute,
		GlucoseMaxAge:      12 * time.Minute,
		FlatWindow:         45 * time.Minute,
		FlatMinSamples:     5,
		PumpTimeout:        60 * time.Second,
		SuggestionExpiry:   5 * time.Minute,
		NeutralTempMinutes: 30,

		EnableSMB:           false,
		EnableUAM:           true,
		CarbAbsorptionHours: 3,
		BolusIncrement:      0.1,

		MetricsAddr:   "127.0.0.1:9187",
		Notifications: true,
		AlertRepeat:   30 * time.Minute,
		Units:         UnitMgdl,
		Pump:          pump.DefaultVirtualConfig(),
	}
}

// GetConfigDir returns the configuration directory, creating it if needed
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	appDir := filepath.Join(configDir, appName)
	if err := os.MkdirAll(appDir, 0750); err != nil {
		return "", err
	}
	return appDir, nil
}

// GetConfigPath returns the default settings file path
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}

// Load reads settings from path. A missing file leaves the defaults.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the CLI or the config dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.fillPaths(path)
			return s, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	s.fillPaths(path)
	return s, nil
}

// fillPaths puts the database next to the settings file unless configured
func (s *Settings) fillPaths(settingsPath string) {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(filepath.Dir(settingsPath), "loop.db")
	}
}

var validate = validator.New()

// Validate checks every field constraint
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return validate.Struct(s)
}

// Save writes settings to path
func (s *Settings) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Clone returns a copy that can be read without locking
func (s *Settings) Clone() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Settings{}
	clone.copyFields(s)
	return clone
}

// Update replaces every field with the values of other
func (s *Settings) Update(other *Settings) {
	if s == other {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	s.copyFields(other)
}

// copyFields copies every field except the mutex. The caller holds the locks.
func (s *Settings) copyFields(other *Settings) {
	s.NightscoutURL = other.NightscoutURL
	s.APISecret = other.APISecret
	s.APIToken = other.APIToken
	s.UseToken = other.UseToken
	s.CacheTTL = other.CacheTTL
	s.ClosedLoop = other.ClosedLoop
	s.LoopInterval = other.LoopInterval
	s.GlucoseMaxAge = other.GlucoseMaxAge
	s.FlatWindow = other.FlatWindow
	s.FlatMinSamples = other.FlatMinSamples
	s.PumpTimeout = other.PumpTimeout
	s.SuggestionExpiry = other.SuggestionExpiry
	s.NeutralTempMinutes = other.NeutralTempMinutes
	s.EnableSMB = other.EnableSMB
	s.EnableUAM = other.EnableUAM
	s.CarbAbsorptionHours = other.CarbAbsorptionHours
	s.BolusIncrement = other.BolusIncrement
	s.MaxBasal = other.MaxBasal
	s.MaxBolus = other.MaxBolus
	s.MaxIOB = other.MaxIOB
	s.MaxCOB = other.MaxCOB
	s.Min5mCarbImpact = other.Min5mCarbImpact
	s.DatabasePath = other.DatabasePath
	s.MetricsAddr = other.MetricsAddr
	s.Notifications = other.Notifications
	s.AlertRepeat = other.AlertRepeat
	s.Units = other.Units
	s.Verbose = other.Verbose
	s.Pump = other.Pump
}

// IsConfigured returns true if a Nightscout server is set
func (s *Settings) IsConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NightscoutURL != ""
}
