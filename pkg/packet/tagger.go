package packet

import (
	"sort"
	"strings"
)

// Tag category prefixes produced by Tag.
const (
	TagPrefixType   = "type:"
	TagPrefixAgent  = "agent:"
	TagPrefixDomain = "domain:"
)

// Tag derives the categorical tags of an envelope. It emits at most one tag
// per category and omits a category whose source field is empty.
func Tag(env *Envelope) []string {
	tags := make([]string, 0, 3)
	if v := normalizeTagValue(env.Type); v != "" {
		tags = append(tags, TagPrefixType+v)
	}
	if v := normalizeTagValue(env.Agent); v != "" {
		tags = append(tags, TagPrefixAgent+v)
	}
	if v := normalizeTagValue(env.Domain); v != "" {
		tags = append(tags, TagPrefixDomain+v)
	}
	return tags
}

// MergeTags returns the sorted, deduplicated union of caller and auto tags.
// Caller tags are trimmed and empty ones dropped.
func MergeTags(caller, auto []string) []string {
	set := make(map[string]struct{}, len(caller)+len(auto))
	for _, t := range caller {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range auto {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeTagValue(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
