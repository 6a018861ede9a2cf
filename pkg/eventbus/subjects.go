package eventbus

import "strings"

// SubjectRoot prefixes every subject mnemo publishes. The version segment
// changes only with an incompatible envelope.
const SubjectRoot = "mnemo.v1"

// Topic is a "<domain>.<event>" pair naming one kind of sink event.
type Topic string

const (
	GraphEntities      Topic = "graph.entities"
	GraphRelationships Topic = "graph.relationships"
	WorldModelFacts    Topic = "worldmodel.facts"
)

// Subject is the full bus subject, e.g. mnemo.v1.graph.entities.
func (t Topic) Subject() string {
	return SubjectRoot + "." + string(t)
}

// Domain is the part before the first dot.
func (t Topic) Domain() string {
	d, _, _ := strings.Cut(string(t), ".")
	return d
}

// Valid reports whether t has both a domain and an event segment.
func (t Topic) Valid() bool {
	d, e, ok := strings.Cut(string(t), ".")
	return ok && d != "" && e != ""
}

// DomainPattern matches every topic of a domain, for Subscribe.
func DomainPattern(domain string) string {
	return SubjectRoot + "." + domain + ".>"
}
