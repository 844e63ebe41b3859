// Package permission implements a pattern-based allow/deny/ask engine
// for tool ids, using the same glob matching an egress domain allowlist
// would use against network domains.
package permission

import (
	"strings"
	"sync"
)

// Decision is the outcome of checking a tool id against a Config.
type Decision string

const (
	Deny Decision = "deny"
	Allow Decision = "allow"
	Ask  Decision = "ask"
)

// Config holds the three ordered pattern sets. A pattern is one of:
//   - "*"        matches every tool
//   - "ns:*"     matches any tool in namespace ns
//   - "ns"       sugar for "ns:*"
//   - "ns:action" exact match
type Config struct {
	mu   sync.RWMutex
	deny  []string
	allow []string
	ask   []string

	// configured is false when the user supplied no permissions section
	// at all, in which case every tool defaults to ask rather than
	// merging with any default pattern set.
	configured bool
}

// New builds a Config from the three pattern lists as loaded from the
// declarative config file's "permissions" section. Passing all three
// nil/empty still marks the config as "configured" (explicitly empty);
// use NewUnconfigured for the "no permissions section at all" case.
func New(deny, allow, ask []string) *Config {
	return &Config{
		deny:       append([]string{}, deny...),
		allow:      append([]string{}, allow...),
		ask:        append([]string{}, ask...),
		configured: true,
	}
}

// NewUnconfigured returns the implicit ask-for-all engine used when the
// config file has no "permissions" section.
func NewUnconfigured() *Config {
	return &Config{configured: false}
}

// Check returns the permission decision for toolID: deny, then allow,
// then ask are checked in order; first match wins. If nothing matches,
// or the config has no permissions section at all, the result is Ask.
func (c *Config) Check(toolID string) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.configured {
		return Ask
	}
	if matchAny(c.deny, toolID) {
		return Deny
	}
	if matchAny(c.allow, toolID) {
		return Allow
	}
	if matchAny(c.ask, toolID) {
		return Ask
	}
	return Ask
}

// SetDeny replaces the deny pattern set (used when the Config Watcher
// reloads permissions from an edited config file).
func (c *Config) SetDeny(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deny = append([]string{}, patterns...)
	c.configured = true
}

// SetAllow replaces the allow pattern set.
func (c *Config) SetAllow(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allow = append([]string{}, patterns...)
	c.configured = true
}

// SetAsk replaces the ask pattern set.
func (c *Config) SetAsk(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ask = append([]string{}, patterns...)
	c.configured = true
}

func matchAny(patterns []string, toolID string) bool {
	for _, p := range patterns {
		if matchPattern(p, toolID) {
			return true
		}
	}
	return false
}

// matchPattern matches a single permission pattern against a tool id.
// toolID is expected in "namespace:action" form at the router boundary;
// FQDN-form ids are matched on their namespace.action suffix so a
// pattern like "fs:*" still matches a fully-qualified "acme.proj.fs.read".
func matchPattern(pattern, toolID string) bool {
	if pattern == "*" {
		return true
	}

	ns, action, hasAction := splitToolID(toolID)

	if strings.HasSuffix(pattern, ":*") {
		return strings.TrimSuffix(pattern, ":*") == ns
	}
	if !strings.Contains(pattern, ":") {
		// "ns" is sugar for "ns:*"
		return pattern == ns
	}
	// "ns:action" exact match.
	pNs, pAction, ok := splitExact(pattern)
	if !ok {
		return false
	}
	return pNs == ns && hasAction && pAction == action
}

func splitExact(pattern string) (ns, action string, ok bool) {
	idx := strings.Index(pattern, ":")
	if idx < 0 {
		return "", "", false
	}
	return pattern[:idx], pattern[idx+1:], true
}

// splitToolID extracts a namespace and action from either shorthand
// ("ns:action") or a dotted FQDN ("scope.project.ns.action[.hash]").
func splitToolID(toolID string) (ns, action string, hasAction bool) {
	if idx := strings.Index(toolID, ":"); idx >= 0 && !strings.Contains(toolID, ".") {
		return toolID[:idx], toolID[idx+1:], true
	}
	parts := strings.Split(toolID, ".")
	if len(parts) == 4 {
		return parts[2], parts[3], true
	}
	if len(parts) == 5 {
		return parts[2], parts[3], true
	}
	return toolID, "", false
}
