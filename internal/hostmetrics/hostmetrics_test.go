package hostmetrics

import "testing"

func TestCollectReturnsNonNilMap(t *testing.T) {
	caps := Collect()
	if caps == nil {
		t.Fatal("Collect must never return a nil map, even if every metric fails")
	}
}

func TestCollectKeysAreWellKnownWhenPresent(t *testing.T) {
	caps := Collect()
	known := map[string]bool{
		"cpu_percent":     true,
		"mem_percent":     true,
		"mem_total_bytes": true,
	}
	for k := range caps {
		if !known[k] {
			t.Errorf("unexpected capability key %q", k)
		}
	}
}
