package insight

import (
	"fmt"
	"strings"

	"github.com/goclaw/mnemo/pkg/packet"
)

// Keys that name the packet's primary entity, in priority order.
var subjectKeys = []string{"subject", "entity", "name", "id"}

// Free-text keys are content, not attributes.
var textKeys = map[string]struct{}{
	"text": {}, "content": {}, "message": {}, "summary": {}, "body": {}, "title": {},
}

var relationKeys = map[string]struct{}{"relations": {}, "edges": {}, "links": {}}

// findTriples collects every object carrying subject, predicate and object keys.
func findTriples(_ *Extractor, env *packet.Envelope) []candidate {
	var out []candidate
	walk(env.Payload, "", func(path string, m map[string]any) {
		if !isTriple(m) {
			return
		}
		out = append(out, candidate{subject: m["subject"], predicate: m["predicate"], object: m["object"]})
	})
	return out
}

// findRelations reads {from, type, to} style edges from relation arrays.
func findRelations(_ *Extractor, env *packet.Envelope) []candidate {
	var out []candidate
	for _, k := range sortedKeys(env.Payload) {
		if _, ok := relationKeys[k]; !ok {
			continue
		}
		items, ok := env.Payload[k].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok || isTriple(m) {
				continue
			}
			out = append(out, candidate{
				subject:   first(m, "from", "source"),
				predicate: first(m, "type", "relation", "kind"),
				object:    first(m, "to", "target"),
			})
		}
	}
	return out
}

// findReferences turns top-level *_id / *Id fields into references facts.
func findReferences(_ *Extractor, env *packet.Envelope) []candidate {
	subject := primarySubject(env)
	var out []candidate
	for _, k := range sortedKeys(env.Payload) {
		if !isReferenceKey(k) {
			continue
		}
		out = append(out, candidate{subject: subject, predicate: "references", object: env.Payload[k]})
	}
	return out
}

// findAttributes turns scalar leaves into attribute facts keyed by path.
func findAttributes(x *Extractor, env *packet.Envelope) []candidate {
	subject := primarySubject(env)
	var out []candidate
	var visit func(prefix string, m map[string]any)
	visit = func(prefix string, m map[string]any) {
		if isTriple(m) {
			return
		}
		for _, k := range sortedKeys(m) {
			if x.maxAttributeFacts > 0 && len(out) >= x.maxAttributeFacts {
				return
			}
			if prefix == "" {
				if _, skip := textKeys[k]; skip {
					continue
				}
				if _, skip := relationKeys[k]; skip {
					continue
				}
				if isReferenceKey(k) || isSubjectKey(k) {
					continue
				}
			}
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			switch v := m[k].(type) {
			case string, float64, bool:
				out = append(out, candidate{subject: subject, predicate: path, object: v})
			case map[string]any:
				visit(path, v)
			}
		}
	}
	visit("", env.Payload)
	return out
}

func primarySubject(env *packet.Envelope) string {
	for _, k := range subjectKeys {
		if s, ok := scalarString(env.Payload[k]); ok && s != "" {
			return s
		}
	}
	return env.ID
}

func walk(v any, path string, fn func(path string, m map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		fn(path, t)
		for _, k := range sortedKeys(t) {
			walk(t[k], joinPath(path, k), fn)
		}
	case []any:
		for i, item := range t {
			walk(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

func joinPath(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

func isTriple(m map[string]any) bool {
	_, s := m["subject"]
	_, p := m["predicate"]
	_, o := m["object"]
	return s && p && o
}

func isReferenceKey(k string) bool {
	return len(k) > 3 && (strings.HasSuffix(k, "_id") || strings.HasSuffix(k, "Id"))
}

func isSubjectKey(k string) bool {
	for _, s := range subjectKeys {
		if k == s {
			return true
		}
	}
	return false
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
