package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"geotrack-svr/internal/store"
)

// Config is layered as defaults <- YAML file <- environment <- flags.
type Config struct {
	Storage         string        `yaml:"storage"`
	Duplicates      string        `yaml:"duplicates"`
	TCPAddr         string        `yaml:"tcp_addr"`
	UDPAddr         string        `yaml:"udp_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	TCPReadTimeout  time.Duration `yaml:"tcp_read_timeout"`
	MailboxCapacity int           `yaml:"mailbox_capacity"`
	MQTTBroker      string        `yaml:"mqtt_broker"`
	MQTTTopic       string        `yaml:"mqtt_topic"`
	GRPCForwarder   string        `yaml:"grpc_forwarder"`
	ProxyAddr       string        `yaml:"proxy_addr"`
	TraceDir        string        `yaml:"trace_dir"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Storage:         "memory",
		Duplicates:      "merge",
		TCPAddr:         "127.0.0.1:8001",
		UDPAddr:         "127.0.0.1:8002",
		HTTPAddr:        "127.0.0.1:8000",
		MetricsAddr:     ":9000",
		TCPReadTimeout:  30 * time.Second,
		MailboxCapacity: 1024,
		MQTTTopic:       "geotrack/status",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

/* =======================================================================
                               FIELDS
======================================================================= */

// field binds one setting to its yaml key, env var (upper case key) and
// flag (key with dashes).
type field struct {
	key   string
	usage string
	get   func(*Config) string
	set   func(*Config, string) error
}

func stringField(key, usage string, p func(*Config) *string) field {
	return field{
		key:   key,
		usage: usage,
		get:   func(c *Config) string { return *p(c) },
		set:   func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

var fields = []field{
	stringField("storage", "storage backend: memory, redis[:addr] or disk[:dir]", func(c *Config) *string { return &c.Storage }),
	stringField("duplicates", "duplicate strategy: drop, merge or overwrite", func(c *Config) *string { return &c.Duplicates }),
	stringField("tcp_addr", "stream listener address", func(c *Config) *string { return &c.TCPAddr }),
	stringField("udp_addr", "datagram listener address", func(c *Config) *string { return &c.UDPAddr }),
	stringField("http_addr", "HTTP API address", func(c *Config) *string { return &c.HTTPAddr }),
	stringField("metrics_addr", "metrics address, empty disables", func(c *Config) *string { return &c.MetricsAddr }),
	{
		key:   "tcp_read_timeout",
		usage: "max wait for one stream frame",
		get:   func(c *Config) string { return c.TCPReadTimeout.String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			c.TCPReadTimeout = d
			return nil
		},
	},
	{
		key:   "mailbox_capacity",
		usage: "pending storage requests before ingestors block",
		get:   func(c *Config) string { return strconv.Itoa(c.MailboxCapacity) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.MailboxCapacity = n
			return nil
		},
	},
	stringField("mqtt_broker", "MQTT broker URL, empty disables", func(c *Config) *string { return &c.MQTTBroker }),
	stringField("mqtt_topic", "MQTT topic carrying statuses", func(c *Config) *string { return &c.MQTTTopic }),
	stringField("grpc_forwarder", "upstream gRPC forwarder, empty disables", func(c *Config) *string { return &c.GRPCForwarder }),
	stringField("proxy_addr", "socket proxy address, empty disables", func(c *Config) *string { return &c.ProxyAddr }),
	stringField("trace_dir", "directory for rejected frame traces, empty disables", func(c *Config) *string { return &c.TraceDir }),
	stringField("log_level", "debug, info, warn or error", func(c *Config) *string { return &c.LogLevel }),
	stringField("log_format", "json or text", func(c *Config) *string { return &c.LogFormat }),
}

func envName(key string) string  { return strings.ToUpper(key) }
func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

/* =======================================================================
                               LOADING
======================================================================= */

// Load builds the configuration from args (without the program name), the
// process environment and the optional YAML file named by --config or
// CONFIG_FILE.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	defaults := Default()

	fs := pflag.NewFlagSet("geotrack-svr", pflag.ContinueOnError)
	configFile, _ := lookup("CONFIG_FILE")
	fs.StringVar(&configFile, "config", configFile, "YAML configuration file")
	for _, f := range fields {
		fs.String(flagName(f.key), f.get(&defaults), f.usage)
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaults
	if configFile != "" {
		if err := LoadFile(configFile, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	var flagErr error
	fs.Visit(func(fl *pflag.Flag) {
		for _, f := range fields {
			if flagName(f.key) == fl.Name {
				if err := f.set(&cfg, fl.Value.String()); err != nil && flagErr == nil {
					flagErr = fmt.Errorf("flag --%s: %w", fl.Name, err)
				}
			}
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}

	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are errors.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, f := range fields {
		val, ok := lookup(envName(f.key))
		if !ok || val == "" {
			continue
		}
		if err := f.set(c, val); err != nil {
			return fmt.Errorf("env %s: %w", envName(f.key), err)
		}
	}
	return nil
}

/* =======================================================================
                              VALIDATION
======================================================================= */

var ErrInvalid = errors.New("invalid configuration")

func (c Config) Validate() error {
	if _, err := store.ParseBackend(c.Storage); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := store.ParseDupeStrategy(c.Duplicates); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.TCPReadTimeout <= 0 {
		return fmt.Errorf("%w: tcp_read_timeout must be positive, got %s", ErrInvalid, c.TCPReadTimeout)
	}
	if c.MailboxCapacity <= 0 {
		return fmt.Errorf("%w: mailbox_capacity must be positive, got %d", ErrInvalid, c.MailboxCapacity)
	}
	for key, addr := range map[string]string{"tcp_addr": c.TCPAddr, "udp_addr": c.UDPAddr, "http_addr": c.HTTPAddr} {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalid, key)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log_format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// Backend returns the parsed storage selection; call after Validate.
func (c Config) Backend() store.Backend {
	b, _ := store.ParseBackend(c.Storage)
	return b
}

// DupeStrategy returns the parsed duplicate strategy; call after Validate.
func (c Config) DupeStrategy() store.DupeStrategy {
	d, _ := store.ParseDupeStrategy(c.Duplicates)
	return d
}
