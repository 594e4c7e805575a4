package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Protocol names accepted in servers[].protocol
const (
	ProtocolDarkplaces = "darkplaces"
	ProtocolDaemon     = "daemon"
)

const (
	defaultChallengeTimeout = 5 * time.Second
	defaultCheckInterval    = time.Minute
)

// Config holds all bot configuration
type Config struct {
	Nick       string `yaml:"nick" validate:"required"`
	NickPass   string `yaml:"nick_pass"`
	Alternate  string `yaml:"alternate"`
	Server     string `yaml:"server" validate:"required"`
	Port       int    `yaml:"port" validate:"min=0,max=65535"`
	ServerPass string `yaml:"server_pass"`
	IRCName    string `yaml:"irc_name"`
	Username   string `yaml:"username"`
	OperNick   string `yaml:"oper_nick"`
	OperPass   string `yaml:"oper_pass"`
	UseTLS     bool   `yaml:"use_tls"`

	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	// CheckInterval is how often servers are reconnected and polled
	CheckInterval Duration `yaml:"check_interval" validate:"min=0"`
	// RelayBots relays joins, parts and renames of bots
	RelayBots     bool     `yaml:"relay_bots"`

	Servers []ServerConfig `yaml:"servers" validate:"unique=Name,dive"`
}

// ServerConfig describes one game server
type ServerConfig struct {
	Name             string   `yaml:"name" validate:"required"`
	Protocol         string   `yaml:"protocol" validate:"oneof=darkplaces daemon"`
	Host             string   `yaml:"host" validate:"required"`
	Port             int      `yaml:"port" validate:"min=0,max=65535"`
	Password         string   `yaml:"password"`
	Secure           int      `yaml:"secure" validate:"min=0,max=2"`
	ChallengeTimeout Duration `yaml:"challenge_timeout"`
	Channel          string   `yaml:"channel" validate:"omitempty,startswith=#"`
	LogDest          string   `yaml:"log_dest" validate:"omitempty,hostname_port"`
	Rate             float64  `yaml:"rate" validate:"min=0"`
	Burst            int      `yaml:"burst" validate:"min=0"`
}

// Duration is a time.Duration read from strings like "5s"
type Duration time.Duration

// UnmarshalYAML parses a Go duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses a YAML configuration file.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 6667
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = Duration(defaultCheckInterval)
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Protocol == "" {
			s.Protocol = ProtocolDarkplaces
		}
		if s.Port == 0 {
			switch s.Protocol {
			case ProtocolDaemon:
				s.Port = 27960
			default:
				s.Port = 26000
			}
		}
		if s.ChallengeTimeout == 0 {
			s.ChallengeTimeout = Duration(defaultChallengeTimeout)
		}
	}
}

// Lookup returns the server named name
func (c *Config) Lookup(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}
