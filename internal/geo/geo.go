package geo

import (
	"strings"

	"github.com/wudi/edgegate/internal/config"
)

// Decision is the result of a geo access check.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	AppliedRule string `json:"applied_rule"` // "global" or "override:<path>"
}

// Evaluator is a compiled geo access rule. It is pure: evaluation touches
// no external state, so a compiled Evaluator doubles as the last-known
// rule when the config source is unavailable.
type Evaluator struct {
	enabled   bool
	whitelist bool // mode: true = whitelist, false = blacklist
	global    map[string]bool
	overrides map[string]map[string]bool // path -> replacement country set
}

// NewEvaluator compiles the global rule and per-path overrides. Per-path
// policy overrides (PathPolicyConfig.Geo) are merged in by the caller via
// AddOverride before first use.
func NewEvaluator(cfg config.GeoConfig) *Evaluator {
	e := &Evaluator{
		enabled:   cfg.Enabled,
		whitelist: cfg.Mode == "whitelist",
		global:    compileSet(cfg.Countries),
		overrides: make(map[string]map[string]bool, len(cfg.PathOverrides)),
	}
	for path, countries := range cfg.PathOverrides {
		e.overrides[path] = compileSet(countries)
	}
	return e
}

// AddOverride installs a replacement country list for one path. An
// override replaces the global list entirely; the global mode still
// decides how the list is interpreted.
func (e *Evaluator) AddOverride(path string, countries []string) {
	e.overrides[path] = compileSet(countries)
}

// Enabled reports whether geo checking is active globally.
func (e *Evaluator) Enabled() bool {
	return e.enabled
}

// HasOverride reports whether path carries its own country list. Paths
// with an override are always checked, even when their route does not
// opt into the global rule.
func (e *Evaluator) HasOverride(path string) bool {
	_, ok := e.overrides[path]
	return ok
}

// Evaluate checks a country code against the rule for path.
// Under whitelist mode an empty list blocks everything; under blacklist
// mode an empty list allows everything. Both are intentional
// configurations.
func (e *Evaluator) Evaluate(countryCode, path string) Decision {
	if !e.enabled {
		return Decision{Allowed: true, Reason: "geo disabled", AppliedRule: "global"}
	}

	list := e.global
	applied := "global"
	if override, ok := e.overrides[path]; ok {
		list = override
		applied = "override:" + path
	}

	country := strings.ToUpper(countryCode)
	inList := list[country]

	if e.whitelist {
		if inList {
			return Decision{Allowed: true, Reason: "country in whitelist", AppliedRule: applied}
		}
		return Decision{Allowed: false, Reason: "country not in whitelist", AppliedRule: applied}
	}

	if inList {
		return Decision{Allowed: false, Reason: "country in blacklist", AppliedRule: applied}
	}
	return Decision{Allowed: true, Reason: "country not in blacklist", AppliedRule: applied}
}

func compileSet(countries []string) map[string]bool {
	set := make(map[string]bool, len(countries))
	for _, c := range countries {
		set[strings.ToUpper(c)] = true
	}
	return set
}
