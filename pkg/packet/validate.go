package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxTTLSeconds is the largest ttl that still fits a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Limits bounds what the validator accepts.
type Limits struct {
	DefaultConfidence float64
	MaxPayloadDepth   int
	MaxPayloadBytes   int
	MaxParents        int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		DefaultConfidence: 0.5,
		MaxPayloadDepth:   16,
		MaxPayloadBytes:   1 << 20,
		MaxParents:        64,
	}
}

// Validator turns raw packet input into envelopes.
type Validator struct {
	limits  Limits
	structs *validator.Validate
	now     func() time.Time
	newID   func() string
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithIDGenerator overrides how ids are generated for packets without one.
func WithIDGenerator(gen func() string) ValidatorOption {
	return func(v *Validator) {
		if gen != nil {
			v.newID = gen
		}
	}
}

// NewValidator creates a Validator.
func NewValidator(limits Limits, opts ...ValidatorOption) *Validator {
	structs := validator.New()
	structs.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v := &Validator{
		limits:  limits,
		structs: structs,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limits returns the validator's bounds.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks in and builds an envelope with status pending. The first
// failing field is reported as a *ValidationError and no envelope is built.
func (v *Validator) Validate(in PacketInput) (*Envelope, error) {
	typ := strings.TrimSpace(in.Type)
	if typ == "" {
		return nil, invalid("type", "must not be empty", nil)
	}

	confidence := v.limits.DefaultConfidence
	if in.Confidence != nil {
		c := *in.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, invalid("confidence", "must be within [0, 1]", c)
		}
		confidence = c
	}

	var ttl *time.Duration
	if in.TTLSeconds != nil {
		if *in.TTLSeconds < 0 {
			return nil, invalid("ttl_seconds", "must not be negative", *in.TTLSeconds)
		}
		if *in.TTLSeconds > maxTTLSeconds {
			return nil, invalid("ttl_seconds", fmt.Sprintf("must be at most %d", maxTTLSeconds), *in.TTLSeconds)
		}
		d := time.Duration(*in.TTLSeconds) * time.Second
		ttl = &d
	}

	payload, err := v.normalizePayload(in.Payload)
	if err != nil {
		return nil, err
	}

	if err := v.structs.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, invalid(fe.Field(), describeTag(fe), fe.Value())
		}
		return nil, invalid("packet", err.Error(), nil)
	}

	id := strings.TrimSpace(in.ID)
	parents, err := v.normalizeParents(id, in.ParentIDs)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = v.newID()
	}

	source := in.Source
	if source == "" {
		source = SourceAPI
	}

	env := &Envelope{
		ID:         id,
		Type:       typ,
		Payload:    payload,
		Agent:      strings.TrimSpace(in.Agent),
		Domain:     strings.TrimSpace(in.Domain),
		Confidence: confidence,
		TTL:        ttl,
		ParentIDs:  parents,
		Status:     StatusPending,
		Source:     source,
		CreatedAt:  v.now().UTC(),
	}
	env.Tags = MergeTags(in.Tags, Tag(env))
	env.ContentHash = ContentHash(env)
	return env, nil
}

// normalizePayload round-trips the payload through JSON so that stored
// payloads only hold JSON value types, then enforces the shape bounds.
func (v *Validator) normalizePayload(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, invalid("payload", fmt.Sprintf("not representable as a structured document: %v", err), nil)
	}
	if v.limits.MaxPayloadBytes > 0 && len(data) > v.limits.MaxPayloadBytes {
		return nil, invalid("payload", fmt.Sprintf("exceeds %d bytes", v.limits.MaxPayloadBytes), len(data))
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, invalid("payload", err.Error(), nil)
	}
	if err := v.checkShape("payload", payload, 1); err != nil {
		return nil, err
	}
	return payload, nil
}

func (v *Validator) checkShape(path string, value any, depth int) error {
	switch t := value.(type) {
	case map[string]any:
		if v.limits.MaxPayloadDepth > 0 && depth > v.limits.MaxPayloadDepth {
			return invalid(path, fmt.Sprintf("nesting exceeds depth %d", v.limits.MaxPayloadDepth), depth)
		}
		for k, child := range t {
			if strings.TrimSpace(k) == "" {
				return invalid(path, "contains an empty key", nil)
			}
			if err := v.checkShape(path+"."+k, child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		if v.limits.MaxPayloadDepth > 0 && depth > v.limits.MaxPayloadDepth {
			return invalid(path, fmt.Sprintf("nesting exceeds depth %d", v.limits.MaxPayloadDepth), depth)
		}
		for i, child := range t {
			if err := v.checkShape(fmt.Sprintf("%s[%d]", path, i), child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) normalizeParents(id string, raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(raw))
	parents := make([]string, 0, len(raw))
	for i, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, invalid(fmt.Sprintf("parent_ids[%d]", i), "must not be empty", nil)
		}
		if id != "" && p == id {
			return nil, invalid(fmt.Sprintf("parent_ids[%d]", i), "packet cannot be its own parent", p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		parents = append(parents, p)
	}
	if v.limits.MaxParents > 0 && len(parents) > v.limits.MaxParents {
		return nil, invalid("parent_ids", fmt.Sprintf("more than %d parents", v.limits.MaxParents), len(parents))
	}
	return parents, nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "printascii":
		return "must contain printable ascii only"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
