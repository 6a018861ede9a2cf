package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks the environment variables read into the config.
	// Nesting uses a double underscore: MNEMO_EMBEDDING__SKIP__MIN_CONTENT_LENGTH.
	EnvPrefix = "MNEMO_"
	// Delimiter separates nested config keys.
	Delimiter = "."

	// openAIKeyEnv is consulted when the openai provider has no api_key.
	openAIKeyEnv = "OPENAI_API_KEY"
)

// searchPaths are tried in order when Load is given no file.
var searchPaths = []string{
	"mnemo.yaml",
	"mnemo.yml",
	"config.yaml",
	"config.json",
	"configs/mnemo.yaml",
	"/etc/mnemo/config.yaml",
}

// Loader builds a Config from layered sources. Later layers win key by
// key: defaults, then the config file, then MNEMO_* variables, then the
// overrides passed to Load. The last file path and overrides are kept so
// Reload rebuilds the same stack after the file changes on disk.
type Loader struct {
	mu        sync.Mutex
	k         *koanf.Koanf
	path      string
	overrides map[string]interface{}
}

// NewLoader returns an empty loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load resolves configPath (or discovers a file when it is empty),
// applies overrides and returns the validated config.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := configPath
	if path == "" {
		path = discover()
	}
	cfg, err := l.build(path, overrides)
	if err != nil {
		return nil, err
	}
	l.path = path
	l.overrides = overrides
	return cfg, nil
}

// Reload rebuilds the config from path, reapplying the overrides given to
// the last Load. A failed reload leaves the previously loaded values in place.
func (l *Loader) Reload(path string) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.build(path, l.overrides)
}

// Path is the config file used by the last Load, or "" when none was found.
func (l *Loader) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Get returns the raw value at a dotted key as last loaded.
func (l *Loader) Get(key string) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.k.Get(key)
}

// Sprint renders every loaded key, for debugging.
func (l *Loader) Sprint() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.k.Sprint()
}

func (l *Loader) build(path string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(Delimiter)
	defaults := flatten(DefaultConfig())

	if err := k.Load(confmap.Provider(defaults, Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	// A file section set to null removes the whole subtree; put the
	// defaults for those keys back.
	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("restore default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv(openAIKeyEnv)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.k = k
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return k.Load(file.Provider(path), parser)
}

func discover() string {
	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps MNEMO_SERVER__HTTP__READ_TIMEOUT to server.http.read_timeout.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", Delimiter)
}

// flatten turns a config struct into dotted mapstructure keys so that
// partial files and variables merge into the defaults one leaf at a time.
func flatten(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenValue(reflect.ValueOf(v), "", out)
	return out
}

func flattenValue(v reflect.Value, prefix string, out map[string]interface{}) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag := f.Tag.Get("mapstructure")
			if !f.IsExported() || tag == "" || tag == "-" {
				continue
			}
			key := tag
			if prefix != "" {
				key = prefix + Delimiter + tag
			}
			flattenValue(v.Field(i), key, out)
		}
	case reflect.Map:
		if v.Len() > 0 {
			out[prefix] = v.Interface()
		}
	case reflect.Slice:
		items := make([]interface{}, v.Len())
		for i := range items {
			items[i] = v.Index(i).Interface()
		}
		out[prefix] = items
	default:
		// Durations are int64 underneath and decode straight back.
		out[prefix] = v.Interface()
	}
}
