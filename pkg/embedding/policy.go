package embedding

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/goclaw/mnemo/pkg/packet"
)

// Skip reasons reported in Result.Reason.
const (
	SkipEmptyContent = "empty_content"
	SkipTooShort     = "content_too_short"
	SkipExcludedType = "excluded_type"
	SkipDuplicate    = "duplicate_content"
)

// SkipPolicy decides which packets are not worth embedding.
type SkipPolicy struct {
	// MinContentLength skips content shorter than this many runes.
	MinContentLength int

	// ExcludedTypes skips packets of these types (compared case-insensitively).
	ExcludedTypes []string

	// SkipDuplicates skips content already embedded within the reuse window
	// instead of reusing its vector for this packet.
	SkipDuplicates bool
}

// Evaluate returns a skip reason for env with normalized content, or "" when
// the packet should be embedded. The duplicate rule needs a store lookup and
// is applied by the stage.
func (p SkipPolicy) Evaluate(env *packet.Envelope, content string) string {
	if strings.TrimSpace(content) == "" {
		return SkipEmptyContent
	}
	if slices.ContainsFunc(p.ExcludedTypes, func(t string) bool {
		return strings.EqualFold(strings.TrimSpace(t), env.Type)
	}) {
		return SkipExcludedType
	}
	if p.MinContentLength > 0 && utf8.RuneCountInString(content) < p.MinContentLength {
		return SkipTooShort
	}
	return ""
}

func (p SkipPolicy) clone() SkipPolicy {
	p.ExcludedTypes = slices.Clone(p.ExcludedTypes)
	return p
}
