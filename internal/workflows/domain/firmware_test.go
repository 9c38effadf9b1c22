package workflows

import "testing"

func TestFirmwareTerminalStatesAreSticky(t *testing.T) {
	for _, terminal := range []string{FirmwareCompleted, FirmwareFailed} {
		for _, reported := range []string{FirmwarePending, FirmwareDownloading, FirmwareInstalling, FirmwareCompleted, FirmwareFailed} {
			if CanApplyFirmwareReport(terminal, reported) {
				t.Errorf("report %s must not overwrite terminal %s", reported, terminal)
			}
		}
	}
}

func TestFirmwareOutOfOrderReportsApply(t *testing.T) {
	// The transport reorders; a duplicate downloading after installing is
	// expected and the latest report wins.
	if !CanApplyFirmwareReport(FirmwareInstalling, FirmwareDownloading) {
		t.Fatal("non-terminal report rejected")
	}
	if !CanApplyFirmwareReport(FirmwarePending, FirmwareCompleted) {
		t.Fatal("completion report rejected")
	}
}

func TestFirmwareUnknownStatusRejected(t *testing.T) {
	if CanApplyFirmwareReport(FirmwarePending, "rebooting") {
		t.Fatal("unknown status accepted")
	}
	if ValidFirmwareStatus("") {
		t.Fatal("empty status accepted")
	}
}

func TestFirmwareUpdateValidate(t *testing.T) {
	valid := FirmwareUpdate{UpdateID: "fw-1", DeviceID: "B001", Version: "2.5.0", Status: FirmwarePending}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	invalid := valid
	invalid.Version = ""
	if err := invalid.Validate(); err == nil {
		t.Fatal("missing version accepted")
	}
}
