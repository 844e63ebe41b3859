// Package fqdn parses and resolves tool identifiers.
//
// A fully-qualified tool identifier is a dotted path
// scope.project.namespace.action[.contentHash]. The 4-part form names
// "current version"; the 5-part form pins an integrity hash. Callers at
// input boundaries may also pass the shorthand namespace:action, which
// NameMap resolves back to an FQDN.
package fqdn

import (
	"fmt"
	"strings"
)

// ID is a parsed tool identifier.
type ID struct {
	Scope      string
	Project    string
	Namespace  string
	Action     string
	ContentHash string // empty unless the 5-part pinned form was given
	raw        string
}

// String returns the canonical dotted form the ID was parsed from.
func (id ID) String() string {
	return id.raw
}

// Pinned reports whether this identifier carries an integrity hash.
func (id ID) Pinned() bool {
	return id.ContentHash != ""
}

// Parse parses a 4-part or 5-part dotted FQDN.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 4:
		return ID{Scope: parts[0], Project: parts[1], Namespace: parts[2], Action: parts[3], raw: s}, nil
	case 5:
		return ID{Scope: parts[0], Project: parts[1], Namespace: parts[2], Action: parts[3], ContentHash: parts[4], raw: s}, nil
	default:
		return ID{}, fmt.Errorf("fqdn: %q is not a 4-part or 5-part dotted identifier", s)
	}
}

// IsShorthand reports whether s is a "namespace:action" shorthand rather
// than a dotted FQDN.
func IsShorthand(s string) bool {
	return strings.Contains(s, ":") && !strings.Contains(s, ".")
}

// SplitShorthand splits a "namespace:action" identifier. It returns an
// error if s is not in shorthand form.
func SplitShorthand(s string) (namespace, action string, err error) {
	idx := strings.Index(s, ":")
	if idx < 0 || strings.Count(s, ":") != 1 {
		return "", "", fmt.Errorf("fqdn: %q is not a namespace:action shorthand", s)
	}
	namespace, action = s[:idx], s[idx+1:]
	if namespace == "" || action == "" {
		return "", "", fmt.Errorf("fqdn: %q is not a namespace:action shorthand", s)
	}
	return namespace, action, nil
}

// NameMap resolves shorthand "namespace:action" identifiers to their
// canonical FQDN form. It is populated by the discovery layer once tools
// are known.
type NameMap struct {
	byShorthand map[string]string // "namespace:action" -> FQDN
}

// NewNameMap creates an empty resolution map.
func NewNameMap() *NameMap {
	return &NameMap{byShorthand: make(map[string]string)}
}

// Register associates a shorthand identifier with its canonical FQDN.
func (m *NameMap) Register(namespace, action, fqdnStr string) {
	m.byShorthand[namespace+":"+action] = fqdnStr
}

// Resolve returns the FQDN for an input identifier. If toolID is already
// a dotted FQDN it is returned unchanged. If it is shorthand and a
// mapping is registered, the mapping is returned. Otherwise toolID is
// returned unchanged (callers treat an unresolved shorthand as its own
// id for routing purposes).
func (m *NameMap) Resolve(toolID string) string {
	if !IsShorthand(toolID) {
		return toolID
	}
	if resolved, ok := m.byShorthand[toolID]; ok {
		return resolved
	}
	return toolID
}

// Snapshot returns a copy of the shorthand->FQDN mapping, suitable for
// handing to a single execution as its FqdnMap without holding a
// reference into the live NameMap.
func (m *NameMap) Snapshot() map[string]string {
	out := make(map[string]string, len(m.byShorthand))
	for k, v := range m.byShorthand {
		out[k] = v
	}
	return out
}

// ValidName reports whether name matches the admitted tool name shape: [A-Za-z0-9_\-.]{1,256}
// with no colon. We implement it without regexp since it is a simple
// character-class scan executed on every discovered tool name.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > 256 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}
