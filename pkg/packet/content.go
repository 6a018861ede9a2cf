package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// textFields are payload keys whose string values are used as the embeddable
// content of a packet, in this order.
var textFields = []string{"text", "content", "message", "summary", "body", "title"}

type hashDoc struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Agent      string         `json:"agent"`
	Domain     string         `json:"domain"`
	Confidence float64        `json:"confidence"`
	TTL        *int64         `json:"ttl"`
	ParentIDs  []string       `json:"parent_ids"`
	Tags       []string       `json:"tags"`
}

// ContentHash fingerprints everything a producer controls except the packet
// id, so resubmissions of the same packet hash identically.
func ContentHash(env *Envelope) string {
	doc := hashDoc{
		Type:       env.Type,
		Payload:    env.Payload,
		Agent:      env.Agent,
		Domain:     env.Domain,
		Confidence: env.Confidence,
		ParentIDs:  env.ParentIDs,
		Tags:       env.Tags,
	}
	if env.TTL != nil {
		ns := int64(*env.TTL)
		doc.TTL = &ns
	}
	// encoding/json sorts map keys, which makes the document canonical.
	data, err := json.Marshal(doc)
	if err != nil {
		data = []byte(env.Type + "|" + env.ID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Content returns the normalized text used for embedding. Known text fields
// win; otherwise the canonical JSON of the payload is used.
func Content(env *Envelope) string {
	var parts []string
	for _, key := range textFields {
		if s, ok := env.Payload[key].(string); ok {
			if s = normalizeText(s); s != "" {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if len(env.Payload) == 0 {
		return ""
	}
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// TextHash fingerprints normalized content for content-addressed reuse.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
