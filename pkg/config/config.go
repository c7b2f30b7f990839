package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// RelayScope controls which unsolicited public posts are accepted.
type RelayScope string

const (
	RelayScopeNone RelayScope = "none"
	RelayScopeTags RelayScope = "tags"
	RelayScopeAll  RelayScope = "all"
)

type Config struct {
	Hostname       string   `json:"hostname" env:"HOSTNAME"`
	BaseURL        string   `json:"base_url" env:"BASE_URL"`
	ListenAddress  string   `json:"listen_address" env:"LISTEN_ADDRESS"`
	GRPCHealthAddr string   `json:"grpc_health_addr,omitempty" env:"GRPC_HEALTH_ADDR"`
	DatabasePath   string   `json:"database_path" env:"DATABASE_PATH"`
	MaxPayloadSize ByteSize `json:"max_payload_size" env:"MAX_PAYLOAD_SIZE"`
	BlockedHosts   []string `json:"blocked_hosts,omitempty" env:"BLOCKED_HOSTS" envSeparator:","`

	Relay     RelayConfig     `json:"relay" envPrefix:"RELAY_"`
	Protocols ProtocolConfig  `json:"protocols" envPrefix:"PROTOCOLS_"`
	Delivery  DeliveryConfig  `json:"delivery" envPrefix:"DELIVERY_"`
	Discovery DiscoveryConfig `json:"discovery" envPrefix:"DISCOVERY_"`
	Inbound   InboundConfig   `json:"inbound" envPrefix:"INBOUND_"`
	Mail      MailConfig      `json:"mail" envPrefix:"MAIL_"`
}

type RelayConfig struct {
	Subscribe  bool       `json:"subscribe" env:"SUBSCRIBE"`
	Scope      RelayScope `json:"scope" env:"SCOPE"`
	ServerTags []string   `json:"server_tags,omitempty" env:"SERVER_TAGS" envSeparator:","`
	DenyTags   []string   `json:"deny_tags,omitempty" env:"DENY_TAGS" envSeparator:","`
}

type ProtocolConfig struct {
	Diaspora bool `json:"diaspora" env:"DIASPORA"`
	Mail     bool `json:"mail" env:"MAIL"`
}

type DeliveryConfig struct {
	Workers          int      `json:"workers" env:"WORKERS"`
	ArchiveThreshold int      `json:"archive_threshold" env:"ARCHIVE_THRESHOLD"`
	MaxAttempts      int      `json:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay        Duration `json:"base_delay" env:"BASE_DELAY"`
	MaxDelay         Duration `json:"max_delay" env:"MAX_DELAY"`
	Jitter           float64  `json:"jitter" env:"JITTER"`
	TransmitTimeout  Duration `json:"transmit_timeout" env:"TRANSMIT_TIMEOUT"`
}

type DiscoveryConfig struct {
	Timeout  Duration `json:"timeout" env:"TIMEOUT"`
	CacheTTL Duration `json:"cache_ttl" env:"CACHE_TTL"`
}

type InboundConfig struct {
	MaxFetchDepth    int      `json:"max_fetch_depth" env:"MAX_FETCH_DEPTH"`
	ParticipationTTL Duration `json:"participation_ttl" env:"PARTICIPATION_TTL"`
}

type MailConfig struct {
	SMTPAddress string `json:"smtp_address,omitempty" env:"SMTP_ADDRESS"`
	From        string `json:"from,omitempty" env:"FROM"`
}

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FEDCORE_"

// DefaultConfig returns a configuration usable for a local node.
func DefaultConfig() *Config {
	return &Config{
		Hostname:       "localhost",
		ListenAddress:  ":8080",
		DatabasePath:   "./data/fedcore.db",
		MaxPayloadSize: 2 << 20,
		Relay: RelayConfig{
			Subscribe: false,
			Scope:     RelayScopeNone,
		},
		Protocols: ProtocolConfig{
			Diaspora: true,
			Mail:     false,
		},
		Delivery: DeliveryConfig{
			Workers:          4,
			ArchiveThreshold: 3,
			MaxAttempts:      5,
			BaseDelay:        Duration(time.Minute),
			MaxDelay:         Duration(24 * time.Hour),
			Jitter:           0.2,
			TransmitTimeout:  Duration(30 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Timeout:  Duration(20 * time.Second),
			CacheTTL: Duration(time.Hour),
		},
		Inbound: InboundConfig{
			MaxFetchDepth:    5,
			ParticipationTTL: Duration(15 * time.Minute),
		},
	}
}

// LoadConfig reads a JSON file over the defaults and then applies the
// FEDCORE_* environment. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	return cfg, nil
}

// ApplyEnv overlays FEDCORE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

func (c *Config) fillDerived() {
	c.Hostname = strings.ToLower(strings.TrimSpace(c.Hostname))
	if c.BaseURL == "" && c.Hostname != "" {
		c.BaseURL = "https://" + c.Hostname
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Hostname == "" {
		errs = append(errs, errors.New("hostname is required"))
	}
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	if c.MaxPayloadSize <= 0 {
		errs = append(errs, errors.New("max_payload_size must be positive"))
	}

	switch c.Relay.Scope {
	case RelayScopeNone, RelayScopeTags, RelayScopeAll:
	default:
		errs = append(errs, fmt.Errorf("relay.scope %q must be one of none, tags, all", c.Relay.Scope))
	}

	d := c.Delivery
	if d.Workers < 1 {
		errs = append(errs, errors.New("delivery.workers must be at least 1"))
	}
	if d.ArchiveThreshold < 1 {
		errs = append(errs, errors.New("delivery.archive_threshold must be at least 1"))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay {
		errs = append(errs, errors.New("delivery delays must satisfy 0 < base_delay <= max_delay"))
	}
	if d.Jitter < 0 || d.Jitter > 1 {
		errs = append(errs, errors.New("delivery.jitter must be between 0 and 1"))
	}
	if d.TransmitTimeout <= 0 {
		errs = append(errs, errors.New("delivery.transmit_timeout must be positive"))
	}

	if c.Discovery.Timeout <= 0 {
		errs = append(errs, errors.New("discovery.timeout must be positive"))
	}
	if c.Inbound.MaxFetchDepth < 0 {
		errs = append(errs, errors.New("inbound.max_fetch_depth cannot be negative"))
	}
	if c.Protocols.Mail && c.Mail.SMTPAddress == "" {
		errs = append(errs, errors.New("mail.smtp_address is required when the mail protocol is enabled"))
	}

	return errors.Join(errs...)
}

// Local host without port, used for followup detection.
func (c *Config) LocalHost() string {
	host := c.Hostname
	if i := strings.Index(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
