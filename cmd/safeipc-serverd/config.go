package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vectoripc/safeipc-core/internal/interfaces"
)

// fileConfig is the on-disk YAML shape for one event's server
// configuration, grounded on the pack's own nested-YAML config style
// (Generativebots-ocx-backend-go-svc/internal/config/config.go).
type fileConfig struct {
	SocketPath            string            `yaml:"socket_path"`
	BacklogSize           int               `yaml:"backlog_size"`
	MaxS2CBuffer          uint64            `yaml:"max_s2c_buffer"`
	HandshakeTimeoutMs    int               `yaml:"handshake_timeout_ms"`
	ExpectedProtocolMajor uint8             `yaml:"expected_protocol_major"`
	ShmNamePrefix         string            `yaml:"shm_name_prefix"`
	PayloadSize           uint32            `yaml:"payload_size"`
	SlotAlignment         uint32            `yaml:"slot_alignment"`
	TracingEnabled        bool              `yaml:"tracing_enabled"`
	ServerIntegrityLevel  string            `yaml:"server_integrity_level"`
	AdminAddr             string            `yaml:"admin_addr"`
	Classes               []fileClassConfig `yaml:"classes"`
}

type fileClassConfig struct {
	Name           string `yaml:"name"`
	Level          string `yaml:"level"`
	MaxSlots       int    `yaml:"max_slots"`
	MaxConnections int    `yaml:"max_connections"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

func parseIntegrityLevel(s string) (interfaces.IntegrityLevel, error) {
	switch s {
	case "", "QM":
		return interfaces.IntegrityQM, nil
	case "ASIL-A":
		return interfaces.IntegrityASILA, nil
	case "ASIL-B":
		return interfaces.IntegrityASILB, nil
	case "ASIL-C":
		return interfaces.IntegrityASILC, nil
	case "ASIL-D":
		return interfaces.IntegrityASILD, nil
	default:
		return 0, fmt.Errorf("unknown integrity level %q", s)
	}
}
