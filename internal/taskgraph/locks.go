package taskgraph

import (
	"path"
	"strings"
)

// lockRule maps a class of path patterns to a canonical resource lock.
// Rules are evaluated in order; the first match wins.
type lockRule struct {
	name  string
	match func(pattern string) bool
}

var lockRules = []lockRule{
	{"lockfile", func(p string) bool {
		base := path.Base(p)
		return base == "package.json" ||
			strings.HasSuffix(base, "-lock.json") ||
			base == "pnpm-lock.yaml" ||
			base == "yarn.lock"
	}},
	{"db-migrations", func(p string) bool {
		return hasSegment(p, "migrations")
	}},
	{"db-schema", func(p string) bool {
		return hasSegment(p, "schema") || strings.HasPrefix(path.Base(p), "schema.")
	}},
	{"router", func(p string) bool {
		return hasSegment(p, "routes") || hasSegment(p, "router")
	}},
	{"global-config", func(p string) bool {
		return hasSegment(p, "config") || hasSegment(p, "settings") ||
			strings.HasPrefix(path.Base(p), ".env")
	}},
}

// InferLocks maps each path pattern in touches to a canonical resource-lock
// identifier. The mapping is total: patterns that match no rule map to their
// top-level path segment, or "root" when the pattern has none or is a bare
// wildcard. The result is deduplicated, preserving first-occurrence order.
func InferLocks(touches []string) []string {
	seen := make(map[string]bool)
	var locks []string

	for _, pattern := range touches {
		lock := inferLock(pattern)
		if !seen[lock] {
			seen[lock] = true
			locks = append(locks, lock)
		}
	}
	return locks
}

func inferLock(pattern string) string {
	p := strings.TrimPrefix(strings.TrimSpace(pattern), "./")

	for _, rule := range lockRules {
		if rule.match(p) {
			return rule.name
		}
	}

	// Fall back to the top-level path segment.
	top, _, _ := strings.Cut(p, "/")
	top = strings.Trim(top, "*?")
	if top == "" || top == "." {
		return "root"
	}
	return top
}

// hasSegment reports whether any "/"-separated segment of the pattern equals seg.
func hasSegment(pattern, seg string) bool {
	for _, s := range strings.Split(pattern, "/") {
		if s == seg {
			return true
		}
	}
	return false
}
