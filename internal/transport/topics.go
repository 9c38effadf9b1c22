package transport

import "strings"

// Topic layout:
//
//	cleanroute/bins/<BIN_ID>/telemetry
//	cleanroute/bins/<BIN_ID>/heartbeat
//	cleanroute/bins/<BIN_ID>/ack
//	cleanroute/bins/<BIN_ID>/diagnostic
//	cleanroute/bins/<BIN_ID>/firmware_status
//	cleanroute/bins/<BIN_ID>/shadow/reported
//	cleanroute/bins/<BIN_ID>/command        (downlink)
//	cleanroute/zones/<ZONE_ID>/command      (downlink)
//	cleanroute/bins/broadcast/command       (downlink)
const (
	topicRoot = "cleanroute"

	// BroadcastDeviceID addresses all bins on the shared command topic.
	BroadcastDeviceID = "broadcast"

	KindTelemetry      = "telemetry"
	KindHeartbeat      = "heartbeat"
	KindAck            = "ack"
	KindDiagnostic     = "diagnostic"
	KindFirmwareStatus = "firmware_status"
	KindShadow         = "shadow"
)

// InboundPatterns lists the subscription patterns for device-to-server traffic.
func InboundPatterns() []string {
	return []string{
		topicRoot + "/bins/+/" + KindTelemetry,
		topicRoot + "/bins/+/" + KindHeartbeat,
		topicRoot + "/bins/+/" + KindAck,
		topicRoot + "/bins/+/" + KindDiagnostic,
		topicRoot + "/bins/+/" + KindFirmwareStatus,
		topicRoot + "/bins/+/" + KindShadow + "/reported",
	}
}

// CommandTopic returns the downlink command topic for a device.
func CommandTopic(deviceID string) string {
	return topicRoot + "/bins/" + deviceID + "/command"
}

// ZoneCommandTopic returns the downlink command topic for a zone.
func ZoneCommandTopic(zoneID string) string {
	return topicRoot + "/zones/" + zoneID + "/command"
}

// ParseInbound splits an inbound topic into device id and message kind.
// Shadow reports parse to kind "shadow" only for the ".../shadow/reported"
// suffix. ok is false for any topic outside the inbound scheme.
func ParseInbound(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != topicRoot || parts[1] != "bins" {
		return "", "", false
	}
	deviceID = parts[2]
	if deviceID == "" {
		return "", "", false
	}
	switch parts[3] {
	case KindTelemetry, KindHeartbeat, KindAck, KindDiagnostic, KindFirmwareStatus:
		if len(parts) != 4 {
			return "", "", false
		}
		return deviceID, parts[3], true
	case KindShadow:
		if len(parts) == 5 && parts[4] == "reported" {
			return deviceID, KindShadow, true
		}
	}
	return "", "", false
}
