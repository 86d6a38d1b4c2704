package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "SAGAFLOW_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// searchPaths are tried in order when no config path is given.
var searchPaths = []string{
	"sagad.yaml",
	"sagad.yml",
	"sagad.json",
	"config/sagad.yaml",
	"/etc/sagaflow/sagad.yaml",
}

// Loader layers defaults, a config file, SAGAFLOW_* environment variables and
// command line overrides, in rising priority.
type Loader struct {
	k *koanf.Koanf
	// source is the file the last Load read, if any.
	source string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds and validates a Config. An empty configPath searches the
// standard locations and falls back to defaults when none exists.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.k = koanf.New(Delimiter)
	l.source = ""

	// Flat keys merge leaf by leaf, so a file naming one field of a section
	// keeps the defaults of its siblings.
	if err := l.k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		l.source = path
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, func(s string) string {
		return envKey(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Source returns the file the last Load read, or "" when only defaults,
// environment and overrides were used.
func (l *Loader) Source() string {
	return l.source
}

// Keys returns every resolved key of the last Load, sorted.
func (l *Loader) Keys() []string {
	return l.k.Keys()
}

func resolvePath(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("config file not found: %s", configPath)
			}
			return "", fmt.Errorf("stat config file %s: %w", configPath, err)
		}
		return configPath, nil
	}
	for _, candidate := range searchPaths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %q", ext)
	}
	return l.k.Load(file.Provider(path), parser)
}

// envKey maps an env suffix to a config key. Underscores separate sections, but
// the leaf keeps its underscores: RECOVERY_STUCK_THRESHOLD -> recovery.stuck_threshold.
func envKey(suffix string) string {
	parts := strings.Split(strings.ToLower(suffix), "_")
	if len(parts) == 1 {
		return parts[0]
	}
	section := parts[0]
	rest := parts[1:]
	if sub, ok := envSubsections[section]; ok && len(rest) > 1 {
		if _, nested := sub[rest[0]]; nested {
			return section + Delimiter + rest[0] + Delimiter + strings.Join(rest[1:], "_")
		}
	}
	return section + Delimiter + strings.Join(rest, "_")
}

// envSubsections lists the nested sections env keys may address.
var envSubsections = map[string]map[string]struct{}{
	"server":  {"http": {}, "cors": {}},
	"storage": {"badger": {}, "postgres": {}},
	"events":  {"redis": {}, "publish": {}},
}

// flatten turns a struct into dotted mapstructure keys. Leaves keep their Go
// values so durations and slices decode unchanged.
func flatten(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, reflect.Indirect(reflect.ValueOf(v)), "")
	return out
}

func flattenInto(out map[string]interface{}, val reflect.Value, prefix string) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		key := field.Tag.Get("mapstructure")
		if !field.IsExported() || key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + Delimiter + key
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}
		if fv.Kind() == reflect.Struct {
			flattenInto(out, fv, key)
			continue
		}
		if (fv.Kind() == reflect.Map || fv.Kind() == reflect.Slice) && fv.IsNil() {
			continue
		}
		out[key] = fv.Interface()
	}
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
