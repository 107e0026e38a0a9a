package loader

import (
	"os"
	"strings"
	"time"

	"github.com/meerkat-bl/bluse/kernel/archive"
	"github.com/meerkat-bl/bluse/kernel/engine"
	"github.com/meerkat-bl/bluse/kernel/portal"
	"github.com/meerkat-bl/bluse/kernel/sensors"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the bluse configuration file.
type Config struct {
	Redis  RedisConfig  `yaml:"redis"`
	Store  StoreConfig  `yaml:"store"`
	Katcp  KatcpConfig  `yaml:"katcp"`
	Api    ApiConfig    `yaml:"api"`
	Portal PortalConfig `yaml:"portal"`
	Policy PolicyConfig `yaml:"policy"`
	Influx InfluxConfig `yaml:"influx"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type StoreConfig struct {
	Type string `yaml:"type"`
}

type KatcpConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ApiConfig struct {
	Addr string `yaml:"addr"`
}

type PortalConfig struct {
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	UpdateBuffer        int           `yaml:"update_buffer"`
	DeliveryTimeout     time.Duration `yaml:"delivery_timeout"`
	Strategy            string        `yaml:"strategy"`
	Parallelism         int           `yaml:"parallelism"`
	BaseSensors         []string      `yaml:"base_sensors"`
	CaptureStartTargets []string      `yaml:"capture_start_targets"`
	RecentTTL           time.Duration `yaml:"recent_ttl"`
}

// SensorMode selects where sensor subscriptions are driven from.
type SensorMode string

const (
	// SensorsInline drives the sensor manager directly from the coordinator.
	SensorsInline SensorMode = "inline"
	// SensorsAlerts drives it from the alert channel, like a separate backend.
	SensorsAlerts SensorMode = "alerts"
)

type PolicyConfig struct {
	Reconfigure string     `yaml:"reconfigure"`
	Ordering    string     `yaml:"ordering"`
	Sensors     SensorMode `yaml:"sensors"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config [%s]", path)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "alerts"
	}
	if c.Redis.OpTimeout == 0 {
		c.Redis.OpTimeout = 5 * time.Second
	}
	if c.Store.Type == "" {
		c.Store.Type = "redis"
	}
	if c.Katcp.Addr == "" {
		c.Katcp.Addr = ":5000"
	}
	if c.Katcp.RequestTimeout == 0 {
		c.Katcp.RequestTimeout = 30 * time.Second
	}
	if c.Api.Addr == "" {
		c.Api.Addr = ":8080"
	}
	if c.Portal.RPCTimeout == 0 {
		c.Portal.RPCTimeout = 30 * time.Second
	}
	if c.Portal.UpdateBuffer == 0 {
		c.Portal.UpdateBuffer = 256
	}
	if c.Portal.DeliveryTimeout == 0 {
		c.Portal.DeliveryTimeout = 100 * time.Millisecond
	}
	if c.Portal.Strategy == "" {
		c.Portal.Strategy = "event"
	}
	if c.Portal.Parallelism == 0 {
		c.Portal.Parallelism = 8
	}
	if len(c.Portal.BaseSensors) == 0 {
		c.Portal.BaseSensors = []string{"marked_faulty", "data_suspect"}
	}
	if c.Portal.CaptureStartTargets == nil {
		c.Portal.CaptureStartTargets = engine.DefaultPolicy().CaptureStartTargets
	}
	if c.Portal.RecentTTL == 0 {
		c.Portal.RecentTTL = 10 * time.Minute
	}
	if c.Policy.Reconfigure == "" {
		c.Policy.Reconfigure = string(engine.ReconfigureOverwrite)
	}
	if c.Policy.Ordering == "" {
		c.Policy.Ordering = string(engine.OrderingStrict)
	}
	if c.Policy.Sensors == "" {
		c.Policy.Sensors = SensorsInline
	}
}

func (c *Config) validate() error {
	if !contains(store.StoreTypes(), c.Store.Type) {
		return errors.Errorf("store.type must be one of %s, got [%s]", strings.Join(store.StoreTypes(), ", "), c.Store.Type)
	}
	if c.Redis.Channel == "" || strings.Contains(c.Redis.Channel, " ") {
		return errors.Errorf("redis.channel [%s] is not a valid channel name", c.Redis.Channel)
	}
	if c.Redis.OpTimeout < 0 || c.Portal.RPCTimeout < 0 || c.Katcp.RequestTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Portal.UpdateBuffer < 0 || c.Portal.Parallelism < 0 {
		return errors.New("portal.update_buffer and portal.parallelism must not be negative")
	}
	if _, err := engine.ParseReconfigurePolicy(c.Policy.Reconfigure); err != nil {
		return errors.Wrap(err, "policy.reconfigure")
	}
	if _, err := engine.ParseOrderingPolicy(c.Policy.Ordering); err != nil {
		return errors.Wrap(err, "policy.ordering")
	}
	switch c.Policy.Sensors {
	case SensorsInline, SensorsAlerts:
	default:
		return errors.Errorf("policy.sensors must be inline or alerts, got [%s]", c.Policy.Sensors)
	}
	for _, s := range c.Portal.BaseSensors {
		if strings.TrimSpace(s) == "" {
			return errors.New("portal.base_sensors contains an empty name")
		}
	}
	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return errors.New("influx.org and influx.bucket are required when influx.url is set")
	}
	return nil
}

// EnginePolicy converts the policy section for the coordinator.
func (c *Config) EnginePolicy() engine.Policy {
	reconfigure, _ := engine.ParseReconfigurePolicy(c.Policy.Reconfigure)
	ordering, _ := engine.ParseOrderingPolicy(c.Policy.Ordering)
	return engine.Policy{
		Reconfigure:         reconfigure,
		Ordering:            ordering,
		CaptureStartTargets: c.Portal.CaptureStartTargets,
	}
}

// RedisOptions converts the redis section for the store backends.
func (c *Config) RedisOptions() store.RedisOptions {
	return store.RedisOptions{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		OpTimeout: c.Redis.OpTimeout,
	}
}

// SensorsConfig converts the portal section for the subscription manager.
func (c *Config) SensorsConfig() sensors.Config {
	return sensors.Config{
		BaseSensors: c.Portal.BaseSensors,
		Strategy:    c.Portal.Strategy,
		RPCTimeout:  c.Portal.RPCTimeout,
		Parallelism: c.Portal.Parallelism,
		RecentTTL:   c.Portal.RecentTTL,
	}
}

func (c *Config) PortalDialer() *portal.KATPortalDialer {
	return &portal.KATPortalDialer{
		UpdateBuffer:    c.Portal.UpdateBuffer,
		DeliveryTimeout: c.Portal.DeliveryTimeout,
	}
}

func (c *Config) ArchiveConfig() archive.InfluxConfig {
	return archive.InfluxConfig{
		URL:    c.Influx.URL,
		Token:  c.Influx.Token,
		Org:    c.Influx.Org,
		Bucket: c.Influx.Bucket,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
