package peer

import (
	"testing"
	"time"
)

func TestConfigNormalizeFillsDefaults(t *testing.T) {
	c := Config{Instance: "default", Node: "n1"}
	c.Normalize()

	if c.TTL != 30*time.Second {
		t.Fatalf("want default TTL 30s, got %s", c.TTL)
	}
	if c.Interval != c.TTL/3 {
		t.Fatalf("want default interval TTL/3, got %s", c.Interval)
	}
}

func TestConfigNormalizeLeavesExplicitValuesAlone(t *testing.T) {
	c := Config{Instance: "default", Node: "n1", TTL: 10 * time.Second, Interval: time.Second}
	c.Normalize()

	if c.TTL != 10*time.Second {
		t.Fatalf("want explicit TTL preserved, got %s", c.TTL)
	}
	if c.Interval != time.Second {
		t.Fatalf("want explicit interval preserved, got %s", c.Interval)
	}
}

func TestConfigNormalizeDerivesIntervalFromCustomTTL(t *testing.T) {
	c := Config{Instance: "default", Node: "n1", TTL: 9 * time.Second}
	c.Normalize()

	if c.Interval != 3*time.Second {
		t.Fatalf("want interval derived from custom TTL/3, got %s", c.Interval)
	}
}
