// Package config loads the orchestrator configuration document (spec §6.3):
// the set of prefill/decode servers, per-server in-flight limits, health
// probe cadence, and call budgets. Grounded on the teacher's root-level
// config.LoadConfig/DefaultConfig JSON-file pattern.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gradeforge/gradeforge/internal/model"
)

// ServerEntry is one server's configuration-document shape: the wire format
// uses "name" where model.ServerDescriptor uses "display_name".
type ServerEntry struct {
	Host      string          `json:"host"`
	Port      int             `json:"port"`
	ModelKind model.ModelKind `json:"model_kind"`
	Name      string          `json:"name"`
}

func (e ServerEntry) toDescriptor(role model.Role) model.ServerDescriptor {
	return model.ServerDescriptor{
		Host:        e.Host,
		Port:        e.Port,
		ModelKind:   e.ModelKind,
		Role:        role,
		DisplayName: e.Name,
	}
}

// CallBudgetsMs holds the millisecond budgets for each phase (spec §4.3, §5).
type CallBudgetsMs struct {
	Prefill  int `json:"prefill"`
	Decode   int `json:"decode"`
	Health   int `json:"health"`
	Pipeline int `json:"pipeline"`
}

// Config is the orchestrator configuration document, spec §6.3.
type Config struct {
	PrefillServers        []ServerEntry `json:"prefill_servers"`
	DecodeServers         []ServerEntry `json:"decode_servers"`
	PerServerInFlight     int           `json:"per_server_in_flight"`
	HealthProbeIntervalMs int           `json:"health_probe_interval_ms"`
	CallBudgetsMs         CallBudgetsMs `json:"call_budgets_ms"`
}

// DefaultConfig returns the spec-mandated defaults for every tunable the
// configuration document may omit.
func DefaultConfig() *Config {
	return &Config{
		PerServerInFlight:     8,
		HealthProbeIntervalMs: 10000,
		CallBudgetsMs: CallBudgetsMs{
			Prefill:  60000,
			Decode:   180000,
			Health:   2000,
			Pipeline: 300000,
		},
	}
}

// Load reads and parses the configuration document at path, filling in
// DefaultConfig() values for anything the document omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration-level invariants the orchestrator
// depends on: exactly one prefill and one decode server per ModelKind.
func (c *Config) Validate() error {
	if len(c.PrefillServers) == 0 {
		return fmt.Errorf("no prefill servers configured")
	}
	if len(c.DecodeServers) == 0 {
		return fmt.Errorf("no decode servers configured")
	}

	seenPrefill := make(map[model.ModelKind]bool)
	for _, s := range c.PrefillServers {
		if seenPrefill[s.ModelKind] {
			return fmt.Errorf("duplicate prefill server for model_kind %q", s.ModelKind)
		}
		seenPrefill[s.ModelKind] = true
	}

	seenDecode := make(map[model.ModelKind]bool)
	for _, s := range c.DecodeServers {
		if seenDecode[s.ModelKind] {
			return fmt.Errorf("duplicate decode server for model_kind %q", s.ModelKind)
		}
		seenDecode[s.ModelKind] = true
	}

	for kind := range seenPrefill {
		if !seenDecode[kind] {
			return fmt.Errorf("model_kind %q has a prefill server but no decode server", kind)
		}
	}
	for kind := range seenDecode {
		if !seenPrefill[kind] {
			return fmt.Errorf("model_kind %q has a decode server but no prefill server", kind)
		}
	}
	return nil
}

// RoutingTable builds the ModelKind -> (prefill, decode) pairs the
// orchestrator routes on. Validate MUST be called (or Load used) first.
func (c *Config) RoutingTable() map[model.ModelKind]struct {
	Prefill model.ServerDescriptor
	Decode  model.ServerDescriptor
} {
	prefillByKind := make(map[model.ModelKind]model.ServerDescriptor, len(c.PrefillServers))
	for _, s := range c.PrefillServers {
		prefillByKind[s.ModelKind] = s.toDescriptor(model.RolePrefill)
	}
	decodeByKind := make(map[model.ModelKind]model.ServerDescriptor, len(c.DecodeServers))
	for _, s := range c.DecodeServers {
		decodeByKind[s.ModelKind] = s.toDescriptor(model.RoleDecode)
	}

	table := make(map[model.ModelKind]struct {
		Prefill model.ServerDescriptor
		Decode  model.ServerDescriptor
	})
	for kind, p := range prefillByKind {
		if d, ok := decodeByKind[kind]; ok {
			table[kind] = struct {
				Prefill model.ServerDescriptor
				Decode  model.ServerDescriptor
			}{Prefill: p, Decode: d}
		}
	}
	return table
}
