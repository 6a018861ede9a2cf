package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator names fields by their config keys so that reported errors
// read like the file the operator wrote ("server.port", not "Server.Port").
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "development", "staging", "production":
			return true
		}
		return false
	})
	v.RegisterStructValidation(crossSectionRules, Config{})
	return v
}

// ConfigError is one rejected setting.
type ConfigError struct {
	Field   string // dotted config key
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors lists every rejected setting of one load.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, ce := range e {
		lines = append(lines, "  - "+ce.Error())
	}
	return strings.Join(lines, "\n")
}

// ValidateWithDetails checks cfg and returns ValidationErrors naming each
// offending key.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ConfigError{
			Field:   configKey(fe.Namespace()),
			Message: describeRule(fe),
			Value:   fe.Value(),
		})
	}
	return out
}

// configKey drops the root type from a validator namespace.
func configKey(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

var ruleMessages = map[string]string{
	"required":              "is required",
	"min":                   "must be at least %s",
	"max":                   "must be at most %s",
	"gte":                   "must be >= %s",
	"lte":                   "must be <= %s",
	"oneof":                 "must be one of [%s]",
	"env":                   "must be one of [development staging production]",
	"url":                   "must be an absolute http(s) url",
	"required_when_tracing": "is required when tracing is enabled",
	"required_for_provider": "is required by the selected embedding provider",
	"required_for_badger":   "is required when storage.type is badger",
	"required_for_redis":    "is required when a redis-backed component is configured",
}

func describeRule(fe validator.FieldError) string {
	msg, ok := ruleMessages[fe.Tag()]
	if !ok {
		return "fails rule " + fe.Tag()
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, fe.Param())
	}
	return msg
}

// crossSectionRules holds the checks that depend on more than one field.
func crossSectionRules(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	report := func(value interface{}, key, rule string) {
		_, leaf, _ := strings.Cut(key, ".")
		sl.ReportError(value, key, leaf, rule, "")
	}
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }

	if t := cfg.Tracing; t.Enabled {
		if blank(t.Endpoint) {
			report(t.Endpoint, "tracing.endpoint", "required_when_tracing")
		}
		if t.Timeout <= 0 {
			report(t.Timeout, "tracing.timeout", "required_when_tracing")
		}
	}

	e := cfg.Embedding
	switch e.Provider {
	case "openai":
		if blank(e.APIKey) {
			report(e.APIKey, "embedding.api_key", "required_for_provider")
		}
		if e.BaseURL != "" && !httpURL(e.BaseURL) {
			report(e.BaseURL, "embedding.base_url", "url")
		}
	case "ollama":
		if !httpURL(e.BaseURL) {
			report(e.BaseURL, "embedding.base_url", "url")
		}
		if blank(e.Model) {
			report(e.Model, "embedding.model", "required_for_provider")
		}
	}

	if cfg.Storage.Type == "badger" && blank(cfg.Storage.Badger.Path) {
		report(cfg.Storage.Badger.Path, "storage.badger.path", "required_for_badger")
	}
	if redisBacked(cfg) && blank(cfg.Redis.Address) {
		report(cfg.Redis.Address, "redis.address", "required_for_redis")
	}
}

func redisBacked(cfg Config) bool {
	for _, kind := range []string{cfg.IDLock.Type, cfg.Sinks.Graph.Type, cfg.Sinks.WorldModel.Type} {
		if kind == "redis" {
			return true
		}
	}
	return false
}

func httpURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
