// Package config resolves versioned run parameter sets.
//
// A config directory holds one YAML file per version (v1.yaml, v2.yaml, ...)
// and an active.yaml naming the version used when none is requested:
//
//	version: v2
//
// Every value not present in a version file keeps its default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	activeFile = "active"
	// Active requests the version named by active.yaml
	Active = "active"
)

// ErrVersionNotFound is returned when no file exists for a requested version
var ErrVersionNotFound = errors.New("config version not found")

// Store reads versioned parameter sets from a directory
type Store struct {
	logger *zap.Logger
	dir    string
}

// NewStore creates a store over dir
func NewStore(logger *zap.Logger, dir string) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger, dir: dir}
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

// ListVersions returns the available versions sorted by name
func (s *Store) ListVersions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir %s: %w", s.dir, err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if name == activeFile {
			continue
		}
		versions = append(versions, name)
	}
	sort.Strings(versions)
	return versions, nil
}

// ActiveVersion returns the version named by active.yaml
func (s *Store) ActiveVersion() (string, error) {
	v := viper.New()
	v.SetConfigName(activeFile)
	v.SetConfigType("yaml")
	v.AddConfigPath(s.dir)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("failed to read active version: %w", err)
	}
	version := strings.TrimSpace(v.GetString("version"))
	if version == "" {
		return "", fmt.Errorf("%w: active.yaml has no version key", ErrConfigurationInvalid)
	}
	return version, nil
}

// SetActive points active.yaml at version
func (s *Store) SetActive(version string) error {
	if _, err := s.path(version); err != nil {
		return err
	}
	v := viper.New()
	v.Set("version", version)
	if err := v.WriteConfigAs(filepath.Join(s.dir, activeFile+".yaml")); err != nil {
		return fmt.Errorf("failed to write active version: %w", err)
	}
	s.logger.Info("Active config version changed", zap.String("version", version))
	return nil
}

// Load resolves version ("" or Active for the active one) over the defaults
// and validates it. The returned config is not shared with the store.
func (s *Store) Load(version string) (*types.RunConfig, error) {
	if version == "" || version == Active {
		active, err := s.ActiveVersion()
		if err != nil {
			return nil, err
		}
		version = active
	}

	path, err := s.path(version)
	if err != nil {
		return nil, err
	}

	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}
	cfg.Version = version

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", version, err)
	}

	s.logger.Info("Loaded config version",
		zap.String("version", version),
		zap.String("path", path),
	)
	return cfg, nil
}

// Decode reads one YAML parameter file over types.DefaultRunConfig
func Decode(path string) (*types.RunConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := types.DefaultRunConfig()
	// a table in the file replaces the default one
	if v.IsSet("matcher.table") {
		cfg.Matcher.Table = nil
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigurationInvalid, path, err)
	}

	// viper lower-cases keys; regime names are upper case
	table := make(map[string][]string, len(cfg.Matcher.Table))
	for regime, families := range cfg.Matcher.Table {
		table[strings.ToUpper(regime)] = families
	}
	cfg.Matcher.Table = table
	return cfg, nil
}

func (s *Store) path(version string) (string, error) {
	if strings.ContainsAny(version, `/\`) || version == activeFile {
		return "", fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		p := filepath.Join(s.dir, version+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q in %s", ErrVersionNotFound, version, s.dir)
}

// decimalHook decodes YAML numbers and strings into decimal.Decimal
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case uint64:
			return decimal.NewFromInt(int64(v)), nil
		}
		return data, nil
	}
}
