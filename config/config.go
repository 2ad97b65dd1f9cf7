// Package config loads and validates the JSON configuration for a
// piChain cluster member: its id, its peers, the patience timer's
// epsilon constant, and the ports/paths the node binds and uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// PeerConfig identifies one other member of the cluster.
type PeerConfig struct {
	ID   uint16 `json:"id"`   // core.NodeID
	Addr string `json:"addr"` // host:port for the transport layer
}

// Config holds all node configuration.
type Config struct {
	NodeID uint16 `json:"node_id"` // this node's core.NodeID

	// Peers lists every other cluster member. Cluster size n (used by
	// the SLOW patience spread and Paxos majority) is len(Peers)+1.
	Peers []PeerConfig `json:"peers"`

	// Epsilon is the small constant (spec.md §4.2, default 1e-3) the
	// patience timer scales MEDIUM/SLOW durations by.
	Epsilon float64 `json:"epsilon"`

	// QuickID, if set, designates the cluster member that starts in
	// the QUICK role (spec.md §3: exactly one effective proposer at
	// bootstrap). Every other node starts SLOW.
	QuickID *uint16 `json:"quick_id,omitempty"`

	DataDir string `json:"data_dir"`
	RPCPort int    `json:"rpc_port"`
	P2PPort int    `json:"p2p_port"`

	TLS          *TLSConfig `json:"tls,omitempty"`           // nil → plain TCP
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-node development configuration (no
// peers, QUICK from the start — the only way a lone node can ever
// commit anything).
func DefaultConfig() *Config {
	quick := uint16(0)
	return &Config{
		NodeID:  0,
		Epsilon: 1e-3,
		QuickID: &quick,
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
	}
}

// ClusterSize returns n, the total number of cluster members including
// this one — the denominator the Paxos majority check and the SLOW
// patience spread (spec.md §4.2) are defined against.
func (c *Config) ClusterSize() int {
	return len(c.Peers) + 1
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("epsilon must not be negative, got %v", c.Epsilon)
	}
	seen := map[uint16]bool{c.NodeID: true}
	for i, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("peers[%d]: addr must not be empty", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("peers[%d]: duplicate node id %d", i, p.ID)
		}
		seen[p.ID] = true
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
