package geo

import (
	"testing"

	"github.com/wudi/edgegate/internal/config"
)

func TestWhitelistMode(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{
		Enabled:   true,
		Mode:      "whitelist",
		Countries: []string{"US", "de"},
	})

	if d := e.Evaluate("US", "/any"); !d.Allowed {
		t.Errorf("US should be allowed: %+v", d)
	}
	if d := e.Evaluate("DE", "/any"); !d.Allowed {
		t.Error("country codes are case-insensitive")
	}
	if d := e.Evaluate("CN", "/any"); d.Allowed {
		t.Error("CN is not whitelisted")
	}
}

func TestBlacklistMode(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{
		Enabled:   true,
		Mode:      "blacklist",
		Countries: []string{"RU"},
	})

	if d := e.Evaluate("RU", "/any"); d.Allowed {
		t.Error("RU is blacklisted")
	}
	if d := e.Evaluate("US", "/any"); !d.Allowed {
		t.Error("US is not blacklisted")
	}
}

func TestEmptyWhitelistBlocksEverything(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{Enabled: true, Mode: "whitelist"})

	for _, c := range []string{"US", "DE", "JP", ""} {
		if d := e.Evaluate(c, "/any"); d.Allowed {
			t.Errorf("empty whitelist must block %q", c)
		}
	}
}

func TestEmptyBlacklistAllowsEverything(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{Enabled: true, Mode: "blacklist"})

	for _, c := range []string{"US", "DE", "JP", ""} {
		if d := e.Evaluate(c, "/any"); !d.Allowed {
			t.Errorf("empty blacklist must allow %q", c)
		}
	}
}

func TestPathOverrideReplacesGlobalList(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{
		Enabled:   true,
		Mode:      "whitelist",
		Countries: []string{"US", "DE"},
		PathOverrides: map[string][]string{
			"/restricted": {"US"},
		},
	})

	// Override replaces, not unions: DE loses access on the override path.
	if d := e.Evaluate("DE", "/restricted"); d.Allowed {
		t.Error("override path should only admit US")
	}
	if d := e.Evaluate("DE", "/open"); !d.Allowed {
		t.Error("global rule still applies off the override path")
	}

	d := e.Evaluate("US", "/restricted")
	if !d.Allowed {
		t.Error("US allowed on override path")
	}
	if d.AppliedRule != "override:/restricted" {
		t.Errorf("unexpected applied rule %q", d.AppliedRule)
	}
}

func TestAddOverride(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{Enabled: true, Mode: "blacklist"})
	e.AddOverride("/eu-only", []string{"US"})

	if d := e.Evaluate("US", "/eu-only"); d.Allowed {
		t.Error("added override should apply under global blacklist mode")
	}
}

func TestDisabledAllowsAll(t *testing.T) {
	e := NewEvaluator(config.GeoConfig{Enabled: false, Mode: "whitelist"})
	if d := e.Evaluate("XX", "/any"); !d.Allowed {
		t.Error("disabled evaluator allows everything")
	}
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{"1.2.3.4": "US"}
	c, err := p.Lookup("1.2.3.4")
	if err != nil || c != "US" {
		t.Errorf("Lookup = %q, %v", c, err)
	}
	if c, _ := p.Lookup("9.9.9.9"); c != "" {
		t.Errorf("unknown IP should yield empty country, got %q", c)
	}
}
