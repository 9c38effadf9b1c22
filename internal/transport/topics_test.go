package transport

import "testing"

func TestParseInbound(t *testing.T) {
	cases := []struct {
		topic  string
		device string
		kind   string
		ok     bool
	}{
		{"cleanroute/bins/B001/telemetry", "B001", KindTelemetry, true},
		{"cleanroute/bins/B001/heartbeat", "B001", KindHeartbeat, true},
		{"cleanroute/bins/COL101/ack", "COL101", KindAck, true},
		{"cleanroute/bins/B001/diagnostic", "B001", KindDiagnostic, true},
		{"cleanroute/bins/B001/firmware_status", "B001", KindFirmwareStatus, true},
		{"cleanroute/bins/B001/shadow/reported", "B001", KindShadow, true},
		{"cleanroute/bins/B001/shadow/desired", "", "", false},
		{"cleanroute/bins/B001/telemetry/extra", "", "", false},
		{"cleanroute/bins//telemetry", "", "", false},
		{"cleanroute/zones/colombo_zone1/command", "", "", false},
		{"other/bins/B001/telemetry", "", "", false},
		{"cleanroute/bins", "", "", false},
	}

	for _, tc := range cases {
		device, kind, ok := ParseInbound(tc.topic)
		if ok != tc.ok || device != tc.device || kind != tc.kind {
			t.Fatalf("ParseInbound(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.topic, device, kind, ok, tc.device, tc.kind, tc.ok)
		}
	}
}

func TestCommandTopics(t *testing.T) {
	if got := CommandTopic("B001"); got != "cleanroute/bins/B001/command" {
		t.Fatalf("unexpected device command topic: %s", got)
	}
	if got := ZoneCommandTopic("colombo_zone1"); got != "cleanroute/zones/colombo_zone1/command" {
		t.Fatalf("unexpected zone command topic: %s", got)
	}
	if got := CommandTopic(BroadcastDeviceID); got != "cleanroute/bins/broadcast/command" {
		t.Fatalf("unexpected broadcast topic: %s", got)
	}
}
