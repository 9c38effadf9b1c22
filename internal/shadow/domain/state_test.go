package shadow

import (
	"encoding/json"
	"testing"
)

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }
func intp(v int) *int        { return &v }

func TestMergeOnlyTouchesPresentKeys(t *testing.T) {
	base := State{FillPct: f64(10), BattV: f64(3.9), Sleep: boolp(false)}
	base.Merge(State{FillPct: f64(55)})

	if *base.FillPct != 55 {
		t.Fatalf("fill_pct = %v, want 55", *base.FillPct)
	}
	if *base.BattV != 3.9 {
		t.Fatalf("batt_v = %v, want untouched 3.9", *base.BattV)
	}
	if *base.Sleep != false {
		t.Fatal("sleep flag changed by a partial that did not carry it")
	}
}

func TestMergeKeepsUnknownKeys(t *testing.T) {
	var base State
	if err := json.Unmarshal([]byte(`{"fill_pct": 10, "solar_v": 1.2}`), &base); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	base.Merge(State{FillPct: f64(20)})

	raw, err := json.Marshal(base)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if string(doc["solar_v"]) != "1.2" {
		t.Fatalf("solar_v = %s, want preserved 1.2", doc["solar_v"])
	}
	if string(doc["fill_pct"]) != "20" {
		t.Fatalf("fill_pct = %s, want 20", doc["fill_pct"])
	}
}

func TestCloneDetachesExtraBag(t *testing.T) {
	var base State
	if err := json.Unmarshal([]byte(`{"beacon_mode": "off"}`), &base); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	snapshot := base.Clone()

	var partial State
	if err := json.Unmarshal([]byte(`{"beacon_mode": "on"}`), &partial); err != nil {
		t.Fatalf("unmarshal partial: %v", err)
	}
	base.Merge(partial)

	if string(base.Extra["beacon_mode"]) != `"on"` {
		t.Fatalf("merged beacon_mode = %s, want on", base.Extra["beacon_mode"])
	}
	if string(snapshot.Extra["beacon_mode"]) != `"off"` {
		t.Fatalf("snapshot beacon_mode = %s, merge leaked into the clone", snapshot.Extra["beacon_mode"])
	}
}

func TestDeltaReportsOnlyDivergentKeys(t *testing.T) {
	reported := State{FillPct: f64(42)}
	desired := State{FillPct: f64(42), Sleep: boolp(true)}

	delta := Delta(desired, reported)
	if len(delta) != 1 {
		t.Fatalf("delta = %v, want exactly one key", delta)
	}
	if string(delta[KeySleep]) != "true" {
		t.Fatalf("delta[sleep] = %s, want true", delta[KeySleep])
	}
}

func TestDeltaEmptyWhenConverged(t *testing.T) {
	reported := State{FillPct: f64(42), TelemetryInterval: intp(60)}
	desired := State{FillPct: f64(42), TelemetryInterval: intp(60)}

	if delta := Delta(desired, reported); delta != nil {
		t.Fatalf("delta = %v, want nil when converged", delta)
	}
}

func TestDeltaNumericFormsCompareEqual(t *testing.T) {
	var reported State
	if err := json.Unmarshal([]byte(`{"fill_pct": 42.0}`), &reported); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	desired := State{FillPct: f64(42)}

	if delta := Delta(desired, reported); delta != nil {
		t.Fatalf("delta = %v, want nil for 42 vs 42.0", delta)
	}
}

func TestIsEmpty(t *testing.T) {
	if !(State{}).IsEmpty() {
		t.Fatal("zero state should be empty")
	}
	if (State{Sleep: boolp(false)}).IsEmpty() {
		t.Fatal("state with a false flag still carries a key")
	}
}
