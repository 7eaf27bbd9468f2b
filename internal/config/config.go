package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"snapdrop/internal/ssh"

	"gopkg.in/yaml.v2"
)

// Config contains application configuration. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	DigitalOcean DigitalOceanConfig `yaml:"digitalocean"`
	Droplet      DropletConfig      `yaml:"droplet"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Discord      DiscordConfig      `yaml:"discord"`
	Etcd         EtcdConfig         `yaml:"etcd"`
	NATS         NATSConfig         `yaml:"nats"`
	Metrics      MetricsConfig      `yaml:"metrics"`

	// StateFile stores run history when etcd is not configured
	StateFile string `yaml:"state_file"`
}

// DigitalOceanConfig holds API connection parameters
type DigitalOceanConfig struct {
	Token          string        `yaml:"token"`
	APIURL         string        `yaml:"api_url"`
	HTTPRetries    int           `yaml:"http_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DropletConfig describes the single managed droplet
type DropletConfig struct {
	Name         string   `yaml:"name"`
	Region       string   `yaml:"region"`
	Size         string   `yaml:"size"`
	SnapshotName string   `yaml:"snapshot_name"`
	Tags         []string `yaml:"tags"`

	// SSH keys authorized on the droplet, by fingerprint and by public key file
	SSHFingerprints   []string `yaml:"ssh_fingerprints"`
	SSHPublicKeyFiles []string `yaml:"ssh_public_key_files"`
}

// WorkflowConfig tunes polling and concurrency
type WorkflowConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	IPRetryBudget   int           `yaml:"ip_retry_budget"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"` // 0 waits forever
	WaitForPowerOff bool          `yaml:"wait_for_power_off"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 0 waits forever
	PoolSize        int           `yaml:"pool_size"`
}

// DiscordConfig holds the chat bot credentials
type DiscordConfig struct {
	Token    string   `yaml:"token"`
	Prefix   string   `yaml:"prefix"`
	Channels []string `yaml:"channels"` // empty allows every channel
}

// EtcdConfig enables the distributed lock and run history
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LockTTL     int           `yaml:"lock_ttl"` // seconds
}

// NATSConfig enables run event publishing
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every optional value filled in
func Default() *Config {
	return &Config{
		DigitalOcean: DigitalOceanConfig{
			APIURL:         "https://api.digitalocean.com/",
			HTTPRetries:    3,
			RequestTimeout: 30 * time.Second,
		},
		Workflow: WorkflowConfig{
			PollInterval:    20 * time.Second,
			IPRetryBudget:   5,
			ShutdownTimeout: 5 * time.Minute,
			PoolSize:        2,
		},
		Discord: DiscordConfig{
			Prefix: "!",
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			LockTTL:     60,
		},
		NATS: NATSConfig{
			SubjectPrefix: "snapdrop",
		},
		StateFile: "snapdrop-state.json",
	}
}

// Load loads configuration from the YAML file named by CONFIG_PATH
// (default snapdrop.yaml) and the environment. A missing file is not an
// error, so the bot can run from environment variables alone.
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "snapdrop.yaml"
	}

	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			return finish(Default())
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from the given YAML file and the environment
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return finish(config)
}

func finish(config *Config) (*Config, error) {
	config.expandEnv()
	config.applyEnvOverrides()

	fromFiles, err := ssh.LoadFingerprints(config.Droplet.SSHPublicKeyFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH public keys: %w", err)
	}
	config.Droplet.SSHFingerprints = ssh.MergeFingerprints(config.Droplet.SSHFingerprints, fromFiles)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// expandEnv expands ${VAR} references in string fields
func (c *Config) expandEnv() {
	c.DigitalOcean.Token = os.ExpandEnv(c.DigitalOcean.Token)
	c.DigitalOcean.APIURL = os.ExpandEnv(c.DigitalOcean.APIURL)
	c.Droplet.Name = os.ExpandEnv(c.Droplet.Name)
	c.Droplet.Region = os.ExpandEnv(c.Droplet.Region)
	c.Droplet.Size = os.ExpandEnv(c.Droplet.Size)
	c.Droplet.SnapshotName = os.ExpandEnv(c.Droplet.SnapshotName)
	c.Discord.Token = os.ExpandEnv(c.Discord.Token)
	c.NATS.URL = os.ExpandEnv(c.NATS.URL)
	c.StateFile = os.ExpandEnv(c.StateFile)

	for i, fp := range c.Droplet.SSHFingerprints {
		c.Droplet.SSHFingerprints[i] = os.ExpandEnv(fp)
	}
	for i, path := range c.Droplet.SSHPublicKeyFiles {
		c.Droplet.SSHPublicKeyFiles[i] = os.ExpandEnv(path)
	}
}

// applyEnvOverrides lets the deployment environment variables win over
// the file
func (c *Config) applyEnvOverrides() {
	override := func(target *string, key string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}

	override(&c.DigitalOcean.Token, "DO_TOKEN")
	override(&c.Droplet.Name, "DROPLET_NAME")
	override(&c.Droplet.Region, "DROPLET_REGION")
	override(&c.Droplet.Size, "DROPLET_SIZE")
	override(&c.Droplet.SnapshotName, "SNAPSHOT_NAME")
	override(&c.Discord.Token, "BOT_TOKEN")
	override(&c.NATS.URL, "NATS_URL")
	override(&c.Metrics.Addr, "METRICS_ADDR")

	if v := os.Getenv("SSH_FINGERPRINT"); v != "" {
		c.Droplet.SSHFingerprints = SplitList(v)
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = SplitList(v)
	}
}

// Validate checks that every required parameter is present
func (c *Config) Validate() error {
	required := []struct {
		value string
		key   string
		env   string
	}{
		{c.DigitalOcean.Token, "digitalocean.token", "DO_TOKEN"},
		{c.Droplet.Name, "droplet.name", "DROPLET_NAME"},
		{c.Droplet.Region, "droplet.region", "DROPLET_REGION"},
		{c.Droplet.Size, "droplet.size", "DROPLET_SIZE"},
		{c.Droplet.SnapshotName, "droplet.snapshot_name", "SNAPSHOT_NAME"},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required (set it in the config file or the %s environment variable)", r.key, r.env)
		}
	}

	if len(c.Droplet.SSHFingerprints) == 0 {
		return fmt.Errorf("at least one SSH key is required (set droplet.ssh_fingerprints, droplet.ssh_public_key_files or SSH_FINGERPRINT)")
	}
	if c.Workflow.PollInterval < 0 {
		return fmt.Errorf("workflow.poll_interval must not be negative")
	}
	if c.Workflow.IPRetryBudget < 0 {
		return fmt.Errorf("workflow.ip_retry_budget must not be negative")
	}
	if c.Workflow.PoolSize < 1 {
		return fmt.Errorf("workflow.pool_size must be at least 1")
	}
	return nil
}

// ValidateBot checks the settings only the chat bot needs
func (c *Config) ValidateBot() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required (set it in the config file or the BOT_TOKEN environment variable)")
	}
	if c.Discord.Prefix == "" {
		return fmt.Errorf("discord.prefix must not be empty")
	}
	return nil
}

// SplitList splits a comma separated list, trimming blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
