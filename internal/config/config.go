package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/api"
	"codeberg.org/mutker/ecoflowctl/internal/credential"
	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/journal"
	"codeberg.org/mutker/ecoflowctl/internal/monitor"
	"codeberg.org/mutker/ecoflowctl/internal/notify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel   = string(LogLevelInfo)
	DefaultConfigFile = "/etc/ecoflowctl.toml"
	DefaultPIDFile    = "/run/ecoflowctl.pid"
	defaultEnvPrefix  = "ECOFLOWCTL"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	PIDFile  string        `mapstructure:"pid_file"`
	EcoFlow  EcoFlowConfig `mapstructure:"ecoflow"`
	Monitor  MonitorConfig `mapstructure:"monitor"`
	Device   DeviceConfig  `mapstructure:"device"`
	Notify   NotifyConfig  `mapstructure:"notify"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	Journal  JournalConfig `mapstructure:"journal"`

	// ConfigFile is the file actually read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

type EcoFlowConfig struct {
	APIHost       string        `mapstructure:"api_host"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	DeviceSN      string        `mapstructure:"device_sn"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
	SeedSnapshot  bool          `mapstructure:"seed_snapshot"`
}

type MonitorConfig struct {
	ThresholdWatts float64       `mapstructure:"threshold_watts"`
	PowerFields    []string      `mapstructure:"power_fields"`
	PowerMode      string        `mapstructure:"power_mode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RejectStale    bool          `mapstructure:"reject_stale"`
}

type DeviceConfig struct {
	Profile     string `mapstructure:"profile"`
	ACVoltage   int    `mapstructure:"ac_voltage"`
	ACFrequency int    `mapstructure:"ac_frequency"`
	ACXBoost    bool   `mapstructure:"ac_xboost"`

	// Fields and Commands override the profile. With a profile name that is
	// not built in they describe the whole device.
	Fields   map[string]string        `mapstructure:"fields"`
	Commands map[string]CommandConfig `mapstructure:"commands"`
}

// CommandConfig is one [device.commands.<output>] table.
type CommandConfig struct {
	OperateType string `mapstructure:"operate_type"`
	ModuleType  int    `mapstructure:"module_type"`
	EnableParam string `mapstructure:"enable_param"`
	ACSettings  *bool  `mapstructure:"ac_settings"`
}

type NotifyConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	DMWebhookURL  string        `mapstructure:"dm_webhook_url"`
	Username      string        `mapstructure:"username"`
	QueueSize     int           `mapstructure:"queue_size"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	NotifyConnect bool          `mapstructure:"notify_connect"`
}

type HTTPConfig struct {
	Listen         string        `mapstructure:"listen"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type JournalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	BackupOnMigrate bool          `mapstructure:"backup_on_migrate"`
}

// legacyEnv maps keys onto the environment names the bot has always used.
var legacyEnv = map[string]string{
	"ecoflow.access_key":      "ECOFLOW_ACCESS_KEY",
	"ecoflow.secret_key":      "ECOFLOW_SECRET_KEY",
	"ecoflow.device_sn":       "DEVICE_SN",
	"ecoflow.api_host":        "ECOFLOW_API_HOST",
	"monitor.threshold_watts": "CHARGING_WATTS_THRESHOLD",
	"device.ac_voltage":       "AC_OUT_VOLTAGE",
	"device.ac_frequency":     "AC_OUT_FREQ",
	"device.ac_xboost":        "AC_XBOOST",
	"notify.webhook_url":      "DISCORD_WEBHOOK_URL",
	"notify.dm_webhook_url":   "DISCORD_DM_WEBHOOK_URL",
}

func setDefaults(v *viper.Viper) {
	jcfg := journal.DefaultConfig()
	ac := device.DefaultACDefaults()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("pid_file", DefaultPIDFile)

	v.SetDefault("ecoflow.api_host", credential.DefaultAPIHost)
	v.SetDefault("ecoflow.access_key", "")
	v.SetDefault("ecoflow.secret_key", "")
	v.SetDefault("ecoflow.device_sn", "")
	v.SetDefault("ecoflow.credential_ttl", monitor.DefaultCredentialTTL)
	v.SetDefault("ecoflow.seed_snapshot", true)

	v.SetDefault("monitor.threshold_watts", detector.DefaultThresholdWatts)
	v.SetDefault("monitor.power_fields", []string{})
	v.SetDefault("monitor.power_mode", "")
	v.SetDefault("monitor.connect_timeout", monitor.DefaultConnectTimeout)
	v.SetDefault("monitor.publish_timeout", monitor.DefaultPublishTimeout)
	v.SetDefault("monitor.backoff_initial", monitor.DefaultBackoffInitial)
	v.SetDefault("monitor.backoff_max", monitor.DefaultBackoffMax)
	v.SetDefault("monitor.reject_stale", false)

	v.SetDefault("device.profile", device.DefaultProfile)
	v.SetDefault("device.ac_voltage", ac.Voltage)
	v.SetDefault("device.ac_frequency", ac.Frequency)
	v.SetDefault("device.ac_xboost", ac.XBoost)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.dm_webhook_url", "")
	v.SetDefault("notify.username", "EcoFlow Monitor")
	v.SetDefault("notify.queue_size", notify.DefaultQueueSize)
	v.SetDefault("notify.send_timeout", notify.DefaultSendTimeout)
	v.SetDefault("notify.notify_connect", true)

	v.SetDefault("http.listen", api.DefaultListen)
	v.SetDefault("http.token", "")
	v.SetDefault("http.request_timeout", 30*time.Second)

	v.SetDefault("journal.enabled", jcfg.Enabled)
	v.SetDefault("journal.path", jcfg.DBPath)
	v.SetDefault("journal.batch_size", jcfg.BatchSize)
	v.SetDefault("journal.batch_timeout", jcfg.BatchTimeout)
	v.SetDefault("journal.backup_on_migrate", jcfg.BackupOnMigrate)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ecoflowctl", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("device-sn", "", "Serial number of the monitored device")
	fs.String("profile", device.DefaultProfile, "Device profile")
	fs.Float64("threshold", detector.DefaultThresholdWatts, "Input watts at or above which the device counts as charging")
	fs.String("listen", api.DefaultListen, "HTTP command surface address, empty to disable")
	fs.Bool("journal", false, "Record transitions and commands to the sqlite journal")
	fs.String("pid-file", DefaultPIDFile, "PID file path")

	return fs
}

var flagKeys = map[string]string{
	"log-level": "log_level",
	"device-sn": "ecoflow.device_sn",
	"profile":   "device.profile",
	"threshold": "monitor.threshold_watts",
	"listen":    "http.listen",
	"journal":   "journal.enabled",
	"pid-file":  "pid_file",
}

// Load reads flags, environment and the config file, in that precedence
// over built-in defaults, and validates the result.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix: defaultEnvPrefix,
		args:      os.Args[1:],
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := o.envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path := configPath(o, fs)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if !(path == DefaultConfigFile && os.IsNotExist(err)) {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
			path = ""
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.ConfigFile = path
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configPath resolves the file to read: an explicit option, then --config,
// then <PREFIX>_CONFIG, then the default path when it exists. A set but empty
// <PREFIX>_CONFIG disables the default path.
func configPath(o *options, fs *pflag.FlagSet) string {
	if o.configPath != "" {
		return o.configPath
	}
	if p, _ := fs.GetString("config"); p != "" {
		return p
	}
	if p, ok := o.lookupEnv(o.envPrefix + "_CONFIG"); ok {
		return strings.TrimSpace(p)
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.EcoFlow.APIHost = strings.TrimRight(strings.TrimSpace(c.EcoFlow.APIHost), "/")
	c.EcoFlow.AccessKey = strings.TrimSpace(c.EcoFlow.AccessKey)
	c.EcoFlow.SecretKey = strings.TrimSpace(c.EcoFlow.SecretKey)
	c.EcoFlow.DeviceSN = strings.ToUpper(strings.TrimSpace(c.EcoFlow.DeviceSN))
	c.Device.Profile = strings.ToLower(strings.TrimSpace(c.Device.Profile))
	c.Monitor.PowerMode = strings.ToLower(strings.TrimSpace(c.Monitor.PowerMode))

	fields := c.Monitor.PowerFields[:0]
	for _, f := range c.Monitor.PowerFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	c.Monitor.PowerFields = fields
}

// Validate fails on anything that would make startup pointless.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if err := credential.Validate(c.EcoFlow.APIHost, c.EcoFlow.AccessKey, c.EcoFlow.SecretKey, c.EcoFlow.DeviceSN); err != nil {
		return errFactory.Wrap(errors.ErrMissingConfig, err)
	}

	if c.Monitor.ThresholdWatts < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "monitor.threshold_watts must not be negative")
	}

	profile, err := device.Resolve(c.Device.Profile, c.DeviceOverrides())
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := c.DetectorConfig(profile).Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := c.ACDefaults().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	for key, d := range map[string]time.Duration{
		"ecoflow.credential_ttl":  c.EcoFlow.CredentialTTL,
		"monitor.connect_timeout": c.Monitor.ConnectTimeout,
		"monitor.publish_timeout": c.Monitor.PublishTimeout,
		"monitor.backoff_initial": c.Monitor.BackoffInitial,
		"monitor.backoff_max":     c.Monitor.BackoffMax,
	} {
		if d <= 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, key+" must be positive")
		}
	}

	if err := c.JournalConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	return nil
}

// Profile returns the device profile with the configured overrides applied.
func (c *Config) Profile() device.Profile {
	p, _ := device.Resolve(c.Device.Profile, c.DeviceOverrides())
	return p
}

func (c *Config) DeviceOverrides() device.Overrides {
	o := device.Overrides{Fields: c.Device.Fields}
	if len(c.Device.Commands) > 0 {
		o.Commands = make(map[string]device.CommandOverride, len(c.Device.Commands))
		for output, cc := range c.Device.Commands {
			o.Commands[output] = device.CommandOverride{
				OperateType: cc.OperateType,
				ModuleType:  cc.ModuleType,
				EnableParam: cc.EnableParam,
				ACSettings:  cc.ACSettings,
			}
		}
	}
	return o
}

func (c *Config) ACDefaults() device.ACDefaults {
	return device.ACDefaults{
		Voltage:   c.Device.ACVoltage,
		Frequency: c.Device.ACFrequency,
		XBoost:    c.Device.ACXBoost,
	}
}

// DetectorConfig applies the configured threshold, and power fields or mode
// when set, over the profile's defaults.
func (c *Config) DetectorConfig(p device.Profile) detector.Config {
	return p.DetectorConfig(c.Monitor.ThresholdWatts, c.Monitor.PowerFields, detector.Mode(c.Monitor.PowerMode))
}

func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Detector:       c.DetectorConfig(c.Profile()),
		CredentialTTL:  c.EcoFlow.CredentialTTL,
		ConnectTimeout: c.Monitor.ConnectTimeout,
		PublishTimeout: c.Monitor.PublishTimeout,
		BackoffInitial: c.Monitor.BackoffInitial,
		BackoffMax:     c.Monitor.BackoffMax,
		RejectStale:    c.Monitor.RejectStale,
	}
}

func (c *Config) JournalConfig() journal.Config {
	return journal.Config{
		Enabled:         c.Journal.Enabled,
		DBPath:          c.Journal.Path,
		BatchSize:       c.Journal.BatchSize,
		BatchTimeout:    c.Journal.BatchTimeout,
		BackupOnMigrate: c.Journal.BackupOnMigrate,
	}
}

func (c *Config) NotifyConfig() notify.Config {
	return notify.Config{
		QueueSize:   c.Notify.QueueSize,
		SendTimeout: c.Notify.SendTimeout,
	}
}

func (c *Config) APIConfig() api.Config {
	return api.Config{
		Listen:         c.HTTP.Listen,
		Token:          c.HTTP.Token,
		RequestTimeout: c.HTTP.RequestTimeout,
		DeviceSN:       c.EcoFlow.DeviceSN,
		Profile:        c.Profile(),
		AC:             c.ACDefaults(),
	}
}
