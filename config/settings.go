// Package config loads and validates query server configuration from a
// TOML settings file with [server], [node] and [logging] sections.
package config

import (
	"fmt"
	"net/url"

	"github.com/BurntSushi/toml"

	"github.com/mlmikael/libbitcoin-server/auth"
)

// Server holds every C1-C7 tunable: the four endpoints, the feature
// toggles, and the subscription bounds.
type Server struct {
	QueryEndpoint               string   `toml:"query_endpoint"`
	HeartbeatEndpoint           string   `toml:"heartbeat_endpoint"`
	BlockPublishEndpoint        string   `toml:"block_publish_endpoint"`
	TransactionPublishEndpoint  string   `toml:"transaction_publish_endpoint"`
	PublisherEnabled            bool     `toml:"publisher_enabled"`
	QueriesEnabled              bool     `toml:"queries_enabled"`
	LogRequests                 bool     `toml:"log_requests"`
	PollingIntervalSeconds      uint32   `toml:"polling_interval_seconds"`
	HeartbeatIntervalSeconds    uint32   `toml:"heartbeat_interval_seconds"`
	SubscriptionExpirationMins  uint32   `toml:"subscription_expiration_minutes"`
	SubscriptionLimit           uint32   `toml:"subscription_limit"`
	CertificateFile             string   `toml:"certificate_file"`
	ClientCertificatesPath      string   `toml:"client_certificates_path"`
	Whitelist                   []string `toml:"whitelist"`
	QueueHighWaterMark          int      `toml:"queue_high_water_mark"`
}

// Node holds the subset of node-side configuration the query server's own
// bundled reference node implementation consults; a real deployment backed
// by an external full node ignores this section entirely.
type Node struct {
	DatabasePath string `toml:"database_path"`
}

// Logging configures the shared logging backend (§4.9).
type Logging struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Settings is the full configuration file shape.
type Settings struct {
	Server  Server  `toml:"server"`
	Node    Node    `toml:"node"`
	Logging Logging `toml:"logging"`
}

// Default returns the settings used when no configuration file is given,
// matching the original service's compiled-in defaults exactly.
func Default() Settings {
	return Settings{
		Server: Server{
			QueryEndpoint:              "tcp://*:9091",
			HeartbeatEndpoint:          "tcp://*:9092",
			BlockPublishEndpoint:       "tcp://*:9093",
			TransactionPublishEndpoint: "tcp://*:9094",
			PublisherEnabled:           true,
			QueriesEnabled:             true,
			LogRequests:                false,
			PollingIntervalSeconds:     1,
			HeartbeatIntervalSeconds:   5,
			SubscriptionExpirationMins: 10,
			SubscriptionLimit:          100000000,
			QueueHighWaterMark:         10000,
		},
		Node: Node{
			DatabasePath: "blockchain",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads and parses a TOML settings file, overlaying it onto Default().
func Load(path string) (Settings, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Settings{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks settings for internal consistency beyond what the TOML
// decoder itself enforces.
func (s Settings) Validate() error {
	if s.Server.QueriesEnabled {
		if s.Server.QueryEndpoint == "" {
			return fmt.Errorf("config: server.query_endpoint is required when queries_enabled")
		}
		if s.Server.HeartbeatEndpoint == "" {
			return fmt.Errorf("config: server.heartbeat_endpoint is required when queries_enabled")
		}
		if err := validateTCPEndpoint("server.query_endpoint", s.Server.QueryEndpoint); err != nil {
			return err
		}
		if err := validateTCPEndpoint("server.heartbeat_endpoint", s.Server.HeartbeatEndpoint); err != nil {
			return err
		}
		if s.Server.PollingIntervalSeconds == 0 {
			return fmt.Errorf("config: server.polling_interval_seconds must be > 0")
		}
		if s.Server.HeartbeatIntervalSeconds == 0 {
			return fmt.Errorf("config: server.heartbeat_interval_seconds must be > 0")
		}
		if s.Server.SubscriptionLimit == 0 {
			return fmt.Errorf("config: server.subscription_limit must be > 0")
		}
	}
	if s.Server.PublisherEnabled {
		if s.Server.BlockPublishEndpoint == "" {
			return fmt.Errorf("config: server.block_publish_endpoint is required when publisher_enabled")
		}
		if s.Server.TransactionPublishEndpoint == "" {
			return fmt.Errorf("config: server.transaction_publish_endpoint is required when publisher_enabled")
		}
		if err := validateTCPEndpoint("server.block_publish_endpoint", s.Server.BlockPublishEndpoint); err != nil {
			return err
		}
		if err := validateTCPEndpoint("server.transaction_publish_endpoint", s.Server.TransactionPublishEndpoint); err != nil {
			return err
		}
	}
	if _, err := auth.ParseWhitelist(s.Server.Whitelist); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// validateTCPEndpoint checks that value parses as a tcp:// URL, the only
// transport the worker and publisher sockets bind to.
func validateTCPEndpoint(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("config: %s %q does not parse as a URL: %w", name, value, err)
	}
	if u.Scheme != "tcp" {
		return fmt.Errorf("config: %s %q must use the tcp:// scheme", name, value)
	}
	if u.Host == "" {
		return fmt.Errorf("config: %s %q is missing a host:port", name, value)
	}
	return nil
}
