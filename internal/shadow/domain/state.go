package shadow

import (
	"bytes"
	"encoding/json"
)

// Recognized state keys. Anything else a device reports lands in the Extra
// bag so newer firmware fields survive a round-trip through an older server.
const (
	KeyFillPct           = "fill_pct"
	KeyBattV             = "batt_v"
	KeyTempC             = "temp_c"
	KeyLat               = "lat"
	KeyLon               = "lon"
	KeySleep             = "sleep"
	KeyTelemetryInterval = "telemetry_interval_minutes"
	KeyFirmwareVersion   = "firmware_version"
	KeyLastTelemetry     = "last_telemetry"
)

// State is one side of a device shadow document. Nil fields are absent, not
// zero: a merge only touches keys the partial carries.
type State struct {
	FillPct           *float64 `json:"fill_pct,omitempty"`
	BattV             *float64 `json:"batt_v,omitempty"`
	TempC             *float64 `json:"temp_c,omitempty"`
	Lat               *float64 `json:"lat,omitempty"`
	Lon               *float64 `json:"lon,omitempty"`
	Sleep             *bool    `json:"sleep,omitempty"`
	TelemetryInterval *int     `json:"telemetry_interval_minutes,omitempty"`
	FirmwareVersion   *string  `json:"firmware_version,omitempty"`
	LastTelemetry     *string  `json:"last_telemetry,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type knownState State

// UnmarshalJSON splits recognized keys into typed fields and keeps the rest
// in Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	var known knownState
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range recognizedKeys() {
		delete(raw, key)
	}
	if len(raw) == 0 {
		raw = nil
	}
	*s = State(known)
	s.Extra = raw
	return nil
}

// MarshalJSON folds Extra back alongside the typed fields.
func (s State) MarshalJSON() ([]byte, error) {
	doc := s.toMap()
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// Merge shallow-merges a partial into s: every key present in the partial
// overwrites; keys absent from the partial are untouched.
func (s *State) Merge(partial State) {
	if partial.FillPct != nil {
		s.FillPct = partial.FillPct
	}
	if partial.BattV != nil {
		s.BattV = partial.BattV
	}
	if partial.TempC != nil {
		s.TempC = partial.TempC
	}
	if partial.Lat != nil {
		s.Lat = partial.Lat
	}
	if partial.Lon != nil {
		s.Lon = partial.Lon
	}
	if partial.Sleep != nil {
		s.Sleep = partial.Sleep
	}
	if partial.TelemetryInterval != nil {
		s.TelemetryInterval = partial.TelemetryInterval
	}
	if partial.FirmwareVersion != nil {
		s.FirmwareVersion = partial.FirmwareVersion
	}
	if partial.LastTelemetry != nil {
		s.LastTelemetry = partial.LastTelemetry
	}
	if len(partial.Extra) > 0 {
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage, len(partial.Extra))
		}
		for key, value := range partial.Extra {
			s.Extra[key] = value
		}
	}
}

// Clone returns a copy with its own Extra backing map. A later Merge into
// the original cannot rewrite the clone.
func (s State) Clone() State {
	out := s
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for key, value := range s.Extra {
			out.Extra[key] = value
		}
	}
	return out
}

// IsEmpty reports whether the state carries no keys at all.
func (s State) IsEmpty() bool {
	return len(s.toMap()) == 0
}

// Delta returns the keys of desired that are absent from reported or carry
// a different value, with the desired value for each. An empty result means
// the device has converged.
func Delta(desired, reported State) map[string]json.RawMessage {
	want := desired.toMap()
	have := reported.toMap()
	delta := make(map[string]json.RawMessage)
	for key, value := range want {
		current, ok := have[key]
		if !ok || !bytes.Equal(canonical(value), canonical(current)) {
			delta[key] = value
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

func (s State) toMap() map[string]json.RawMessage {
	doc := make(map[string]json.RawMessage)
	put := func(key string, value any) {
		raw, err := json.Marshal(value)
		if err != nil {
			return
		}
		doc[key] = raw
	}
	if s.FillPct != nil {
		put(KeyFillPct, *s.FillPct)
	}
	if s.BattV != nil {
		put(KeyBattV, *s.BattV)
	}
	if s.TempC != nil {
		put(KeyTempC, *s.TempC)
	}
	if s.Lat != nil {
		put(KeyLat, *s.Lat)
	}
	if s.Lon != nil {
		put(KeyLon, *s.Lon)
	}
	if s.Sleep != nil {
		put(KeySleep, *s.Sleep)
	}
	if s.TelemetryInterval != nil {
		put(KeyTelemetryInterval, *s.TelemetryInterval)
	}
	if s.FirmwareVersion != nil {
		put(KeyFirmwareVersion, *s.FirmwareVersion)
	}
	if s.LastTelemetry != nil {
		put(KeyLastTelemetry, *s.LastTelemetry)
	}
	for key, value := range s.Extra {
		doc[key] = value
	}
	if len(doc) == 0 {
		return nil
	}
	return doc
}

// canonical re-marshals raw JSON so 42 and 42.0 compare equal.
func canonical(raw json.RawMessage) []byte {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}
	out, err := json.Marshal(value)
	if err != nil {
		return raw
	}
	return out
}

func recognizedKeys() []string {
	return []string{
		KeyFillPct, KeyBattV, KeyTempC, KeyLat, KeyLon,
		KeySleep, KeyTelemetryInterval, KeyFirmwareVersion, KeyLastTelemetry,
	}
}
