package zones

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	devices "cleanroute-cloud/internal/devices/domain"
)

type stubLister struct {
	fleet []devices.Device
}

func (s *stubLister) ListByPrefix(_ context.Context, prefixes []string) ([]devices.Device, error) {
	var out []devices.Device
	for _, d := range s.fleet {
		for _, prefix := range prefixes {
			if strings.HasPrefix(d.ID, prefix) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zones.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	path := writeConfig(t, `
zones:
  north:
    prefixes: ["bin-n"]
  south:
    prefixes: ["bin-s", "bin-sw"]
`)
	lister := &stubLister{fleet: []devices.Device{
		{ID: "bin-n-001"},
		{ID: "bin-n-002"},
		{ID: "bin-s-001"},
		{ID: "bin-sw-001"},
		{ID: "bin-e-001"},
	}}
	registry, err := LoadRegistry(path, lister, log.Default())
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	names := registry.Names()
	if len(names) != 2 || names[0] != "north" || names[1] != "south" {
		t.Fatalf("names = %v", names)
	}
	if !registry.Known("north") || registry.Known("east") {
		t.Fatal("Known mismatch")
	}

	ids, err := registry.ListDeviceIDs(context.Background(), "south")
	if err != nil {
		t.Fatalf("ListDeviceIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("south members = %v, want the two bin-s*/bin-sw* bins", ids)
	}
}

func TestUnknownZoneResolvesEmpty(t *testing.T) {
	registry, err := NewRegistry(map[string][]string{"north": {"bin-n"}}, &stubLister{}, log.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	members, err := registry.ListMembers(context.Background(), "atlantis")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v, want empty for unknown zone", members)
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"), &stubLister{}, log.Default())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoadRegistryRejectsZoneWithoutPrefixes(t *testing.T) {
	path := writeConfig(t, `
zones:
  north:
    prefixes: []
`)
	if _, err := LoadRegistry(path, &stubLister{}, log.Default()); err == nil {
		t.Fatal("zone without prefixes accepted")
	}
}

func TestLoadRegistryRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "zones: [not a map")
	if _, err := LoadRegistry(path, &stubLister{}, log.Default()); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}
