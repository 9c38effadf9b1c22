package zones

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	devices "cleanroute-cloud/internal/devices/domain"

	"gopkg.in/yaml.v3"
)

// PrefixLister resolves devices whose ids start with any of the given
// prefixes. Satisfied by the device repository.
type PrefixLister interface {
	ListByPrefix(ctx context.Context, prefixes []string) ([]devices.Device, error)
}

// config is the on-disk shape of the zone membership file:
//
//	zones:
//	  north:
//	    prefixes: ["bin-n"]
//	  south:
//	    prefixes: ["bin-s", "bin-sw"]
type config struct {
	Zones map[string]zoneConfig `yaml:"zones"`
}

type zoneConfig struct {
	Prefixes []string `yaml:"prefixes"`
}

// Registry maps zone ids to bin id prefixes. Membership is resolved at
// dispatch time against the device repository, so newly registered bins
// join their zone without a config change.
type Registry struct {
	prefixes map[string][]string
	devices  PrefixLister
	logger   *log.Logger
}

// NewRegistry constructs a registry from an already-parsed prefix map.
func NewRegistry(prefixes map[string][]string, devices PrefixLister, logger *log.Logger) (*Registry, error) {
	if devices == nil {
		return nil, errors.New("zones: nil device lister")
	}
	if logger == nil {
		logger = log.Default()
	}
	if prefixes == nil {
		prefixes = map[string][]string{}
	}
	return &Registry{prefixes: prefixes, devices: devices, logger: logger}, nil
}

// LoadRegistry reads the zone membership YAML file and builds a registry.
func LoadRegistry(path string, devices PrefixLister, logger *log.Logger) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zones: read config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("zones: parse config: %w", err)
	}
	prefixes := make(map[string][]string, len(cfg.Zones))
	for id, zone := range cfg.Zones {
		if id == "" {
			return nil, errors.New("zones: empty zone id in config")
		}
		if len(zone.Prefixes) == 0 {
			return nil, fmt.Errorf("zones: zone %q has no prefixes", id)
		}
		prefixes[id] = zone.Prefixes
	}
	return NewRegistry(prefixes, devices, logger)
}

// Known reports whether the zone appears in the config.
func (r *Registry) Known(zoneID string) bool {
	_, ok := r.prefixes[zoneID]
	return ok
}

// Names returns the configured zone ids, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.prefixes))
	for id := range r.prefixes {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// ListMembers returns all registered devices in a zone. Unknown zones
// resolve to an empty membership, not an error, so a typoed zone command
// degrades to a no-op fan-out.
func (r *Registry) ListMembers(ctx context.Context, zoneID string) ([]devices.Device, error) {
	prefixes, ok := r.prefixes[zoneID]
	if !ok {
		r.logger.Printf("zones: unknown zone id=%s", zoneID)
		return nil, nil
	}
	return r.devices.ListByPrefix(ctx, prefixes)
}

// ListDeviceIDs returns the ids of all registered devices in a zone.
func (r *Registry) ListDeviceIDs(ctx context.Context, zoneID string) ([]string, error) {
	members, err := r.ListMembers(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	return ids, nil
}
