package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/config"
	"codeberg.org/mutker/ecoflowctl/internal/credential"
	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envNames = []string{
	"ECOFLOWCTL_CONFIG",
	"ECOFLOW_ACCESS_KEY", "ECOFLOW_SECRET_KEY", "DEVICE_SN", "ECOFLOW_API_HOST",
	"CHARGING_WATTS_THRESHOLD", "AC_OUT_VOLTAGE", "AC_OUT_FREQ", "AC_XBOOST",
	"DISCORD_WEBHOOK_URL", "DISCORD_DM_WEBHOOK_URL",
	"ECOFLOWCTL_ECOFLOW_ACCESS_KEY", "ECOFLOWCTL_ECOFLOW_SECRET_KEY", "ECOFLOWCTL_ECOFLOW_DEVICE_SN",
	"ECOFLOWCTL_HTTP_LISTEN", "ECOFLOWCTL_MONITOR_POWER_FIELDS", "ECOFLOWCTL_LOG_LEVEL",
}

// cleanEnv blanks every variable Load looks at; empty values count as unset.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, name := range envNames {
		t.Setenv(name, "")
	}
}

func credentialsEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ECOFLOW_ACCESS_KEY", "ak")
	t.Setenv("ECOFLOW_SECRET_KEY", "sk")
	t.Setenv("DEVICE_SN", "R331ZEB4ZE123456")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecoflowctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cleanEnv(t)

	path := writeConfig(t, `
log_level = "debug"
pid_file = "/tmp/ecoflowctl-test.pid"

[ecoflow]
api_host = "https://api-e.ecoflow.com/"
access_key = "ak"
secret_key = "sk"
device_sn = "r331zeb4ze123456"
credential_ttl = "12h"
seed_snapshot = false

[monitor]
threshold_watts = 25.5
power_fields = ["inv.inputWatts", "pd.wattsInSum"]
power_mode = "sum"
connect_timeout = "5s"
backoff_max = "2m"

[device]
ac_voltage = 120
ac_frequency = 2
ac_xboost = false

[notify]
webhook_url = "https://discord.example/api/webhooks/1/abc"
queue_size = 8

[http]
listen = "127.0.0.1:9999"
token = "t0ken"

[journal]
enabled = true
path = "/tmp/journal.db"
batch_size = 4
batch_timeout = "1s"
`)

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/ecoflowctl-test.pid", cfg.PIDFile)

	assert.Equal(t, "https://api-e.ecoflow.com", cfg.EcoFlow.APIHost)
	assert.Equal(t, "R331ZEB4ZE123456", cfg.EcoFlow.DeviceSN)
	assert.Equal(t, 12*time.Hour, cfg.EcoFlow.CredentialTTL)
	assert.False(t, cfg.EcoFlow.SeedSnapshot)

	assert.InDelta(t, 25.5, cfg.Monitor.ThresholdWatts, 0.001)
	assert.Equal(t, []string{"inv.inputWatts", "pd.wattsInSum"}, cfg.Monitor.PowerFields)
	assert.Equal(t, 5*time.Second, cfg.Monitor.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Monitor.BackoffMax)

	assert.Equal(t, device.ACDefaults{Voltage: 120, Frequency: device.FrequencyHz60, XBoost: false}, cfg.ACDefaults())
	assert.Equal(t, 8, cfg.NotifyConfig().QueueSize)
	assert.Equal(t, "t0ken", cfg.APIConfig().Token)
	assert.Equal(t, "127.0.0.1:9999", cfg.APIConfig().Listen)

	jcfg := cfg.JournalConfig()
	assert.True(t, jcfg.Enabled)
	assert.Equal(t, "/tmp/journal.db", jcfg.DBPath)
	assert.Equal(t, 4, jcfg.BatchSize)
	assert.Equal(t, time.Second, jcfg.BatchTimeout)

	mcfg := cfg.MonitorConfig()
	assert.Equal(t, detector.ModeSum, mcfg.Detector.Mode)
	assert.Equal(t, []string{"inv.inputWatts", "pd.wattsInSum"}, mcfg.Detector.PowerFields)
	assert.Equal(t, 12*time.Hour, mcfg.CredentialTTL)
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err, "Failed to load config")

	assert.Empty(t, cfg.ConfigFile)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, credential.DefaultAPIHost, cfg.EcoFlow.APIHost)
	assert.True(t, cfg.EcoFlow.SeedSnapshot)
	assert.InDelta(t, detector.DefaultThresholdWatts, cfg.Monitor.ThresholdWatts, 0.001)
	assert.Equal(t, device.DefaultProfile, cfg.Device.Profile)
	assert.Equal(t, device.DefaultACDefaults(), cfg.ACDefaults())
	assert.Equal(t, ":8087", cfg.HTTP.Listen)
	assert.False(t, cfg.Journal.Enabled)

	profile := cfg.Profile()
	mcfg := cfg.MonitorConfig()
	assert.Equal(t, profile.PowerFields, mcfg.Detector.PowerFields)
	assert.Equal(t, profile.PowerMode, mcfg.Detector.Mode)
}

func TestLoadLegacyEnvironment(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)
	t.Setenv("CHARGING_WATTS_THRESHOLD", "42")
	t.Setenv("AC_OUT_VOLTAGE", "110")
	t.Setenv("AC_OUT_FREQ", "2")
	t.Setenv("AC_XBOOST", "false")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/hook")
	t.Setenv("DISCORD_DM_WEBHOOK_URL", "https://discord.example/dm")
	t.Setenv("ECOFLOW_API_HOST", "https://api-a.ecoflow.com")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, "ak", cfg.EcoFlow.AccessKey)
	assert.Equal(t, "sk", cfg.EcoFlow.SecretKey)
	assert.Equal(t, "R331ZEB4ZE123456", cfg.EcoFlow.DeviceSN)
	assert.Equal(t, "https://api-a.ecoflow.com", cfg.EcoFlow.APIHost)
	assert.InDelta(t, 42, cfg.Monitor.ThresholdWatts, 0.001)
	assert.Equal(t, device.ACDefaults{Voltage: 110, Frequency: 2, XBoost: false}, cfg.ACDefaults())
	assert.Equal(t, "https://discord.example/hook", cfg.Notify.WebhookURL)
	assert.Equal(t, "https://discord.example/dm", cfg.Notify.DMWebhookURL)
}

func TestLoadPrefixedEnvironment(t *testing.T) {
	cleanEnv(t)
	t.Setenv("ECOFLOWCTL_ECOFLOW_ACCESS_KEY", "ak2")
	t.Setenv("ECOFLOWCTL_ECOFLOW_SECRET_KEY", "sk2")
	t.Setenv("ECOFLOWCTL_ECOFLOW_DEVICE_SN", "ABCDEFGH")
	t.Setenv("ECOFLOWCTL_HTTP_LISTEN", ":9000")
	t.Setenv("ECOFLOWCTL_MONITOR_POWER_FIELDS", "a.watts, b.watts")
	t.Setenv("ECOFLOWCTL_LOG_LEVEL", "WARNING")

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)

	assert.Equal(t, "ak2", cfg.EcoFlow.AccessKey)
	assert.Equal(t, "ABCDEFGH", cfg.EcoFlow.DeviceSN)
	assert.Equal(t, ":9000", cfg.HTTP.Listen)
	assert.Equal(t, []string{"a.watts", "b.watts"}, cfg.Monitor.PowerFields)
	assert.Equal(t, "warning", cfg.LogLevel)
}

func TestLoadPrecedence(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)
	path := writeConfig(t, "[monitor]\nthreshold_watts = 5\n")

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(path))
	require.NoError(t, err)
	assert.InDelta(t, 5, cfg.Monitor.ThresholdWatts, 0.001, "file over default")

	t.Setenv("CHARGING_WATTS_THRESHOLD", "15")
	cfg, err = config.Load(config.WithArgs(nil), config.WithConfigFile(path))
	require.NoError(t, err)
	assert.InDelta(t, 15, cfg.Monitor.ThresholdWatts, 0.001, "environment over file")

	cfg, err = config.Load(config.WithArgs([]string{"--threshold", "20"}), config.WithConfigFile(path))
	require.NoError(t, err)
	assert.InDelta(t, 20, cfg.Monitor.ThresholdWatts, 0.001, "flag over environment")
}

func TestLoadConfigFromEnvironmentPath(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)
	path := writeConfig(t, "log_level = \"error\"\n")
	t.Setenv("ECOFLOWCTL_CONFIG", path)

	cfg, err := config.Load(config.WithArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadFlags(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)

	cfg, err := config.Load(config.WithArgs([]string{
		"--log-level", "debug",
		"--device-sn", "ZZZZ99990000",
		"--listen", "",
		"--journal",
		"--pid-file", "/tmp/x.pid",
	}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "ZZZZ99990000", cfg.EcoFlow.DeviceSN)
	assert.Empty(t, cfg.HTTP.Listen)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/x.pid", cfg.PIDFile)
}

func TestLoadHelp(t *testing.T) {
	cleanEnv(t)
	_, err := config.Load(config.WithArgs([]string{"--help"}))
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)
	path := writeConfig(t, "This is not a valid TOML file\n")

	_, err := config.Load(config.WithArgs(nil), config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitConfigFile(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)

	_, err := config.Load(config.WithArgs(nil), config.WithConfigFile(filepath.Join(t.TempDir(), "nope.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadUnknownFlag(t *testing.T) {
	cleanEnv(t)
	_, err := config.Load(config.WithArgs([]string{"--fanspeed", "80"}))
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		code errors.ErrorCode
	}{
		{"missing access key", map[string]string{"ECOFLOW_ACCESS_KEY": ""}, credential.ErrMissingAccessKey},
		{"missing secret key", map[string]string{"ECOFLOW_SECRET_KEY": ""}, credential.ErrMissingSecretKey},
		{"bad serial", map[string]string{"DEVICE_SN": "short"}, credential.ErrInvalidSerial},
		{"bad api host", map[string]string{"ECOFLOW_API_HOST": "api.ecoflow.com"}, credential.ErrInvalidHost},
		{"negative threshold", map[string]string{"CHARGING_WATTS_THRESHOLD": "-1"}, errors.ErrInvalidConfig},
		{"bad frequency", map[string]string{"AC_OUT_FREQ": "3"}, device.ErrInvalidACValue},
		{"bad voltage", map[string]string{"AC_OUT_VOLTAGE": "-230"}, device.ErrInvalidACValue},
		{"bad log level", map[string]string{"ECOFLOWCTL_LOG_LEVEL": "loud"}, errors.ErrInvalidLogLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			credentialsEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := config.Load(config.WithArgs(nil))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestValidateUnknownProfile(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)

	_, err := config.Load(config.WithArgs([]string{"--profile", "river9"}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrUnknownProfile))
}

func TestLoadCustomProfile(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)

	path := writeConfig(t, `
[device]
profile = "River2"

[device.fields]
soc = "pd.soc"
input_watts = "pd.wattsInSum"
output_watts = "pd.wattsOutSum"
battery_cycles = "bms_bmsStatus.cycles"

[device.commands.ac]
operate_type = "acOutCfg"
module_type = 5
enable_param = "enabled"
ac_settings = true

[device.commands.dc]
operate_type = "dcOutCfg"
module_type = 5
enable_param = "enabled"
`)

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(path))
	require.NoError(t, err)

	p := cfg.Profile()
	assert.Equal(t, "river2", p.Name)
	assert.Equal(t, "bms_bmsStatus.cycles", p.Fields.BatteryCycles)
	assert.Len(t, p.Commands, 2)

	cmd, err := p.Toggle(device.OutputAC, true, cfg.ACDefaults())
	require.NoError(t, err)
	assert.Equal(t, "acOutCfg", cmd.OperateType)
	assert.Equal(t, 5, cmd.ModuleType)
	assert.Equal(t, 230, cmd.Params["out_voltage"])

	_, err = p.Toggle(device.OutputUSB, true, cfg.ACDefaults())
	assert.True(t, errors.HasCode(err, device.ErrUnknownOutput))

	mc := cfg.MonitorConfig()
	assert.Equal(t, []string{"pd.wattsInSum"}, mc.Detector.PowerFields)
	assert.Equal(t, []string{"pd.soc", "pd.wattsOutSum"}, mc.Detector.ExcerptFields)
	assert.Equal(t, "river2", cfg.APIConfig().Profile.Name)
}

func TestLoadProfileOverrides(t *testing.T) {
	cleanEnv(t)
	credentialsEnv(t)

	path := writeConfig(t, `
[device.fields]
solar_watts = "mppt.pv2InWatts"

[device.commands.usb]
operate_type = "usbOutCfg"
`)

	cfg, err := config.Load(config.WithArgs(nil), config.WithConfigFile(path))
	require.NoError(t, err)

	p := cfg.Profile()
	assert.Equal(t, "delta2", p.Name)
	assert.Equal(t, "mppt.pv2InWatts", p.Fields.SolarWatts)
	assert.Equal(t, "pd.soc", p.Fields.SOC)

	cmd, err := p.Toggle(device.OutputUSB, false, cfg.ACDefaults())
	require.NoError(t, err)
	assert.Equal(t, "usbOutCfg", cmd.OperateType)
	assert.Equal(t, 1, cmd.ModuleType)
}

func TestValidateBadProfileOverrides(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    errors.ErrorCode
	}{
		{"unknown field", "[device.fields]\nhumidity = \"x\"\n", device.ErrUnknownField},
		{"unknown output", "[device.commands.hdmi]\noperate_type = \"x\"\n", device.ErrUnknownOutput},
		{"custom without commands", "[device]\nprofile = \"river2\"\n[device.fields]\nsoc = \"pd.soc\"\n", device.ErrUnknownProfile},
		{"incomplete command", "[device]\nprofile = \"river2\"\n[device.commands.ac]\noperate_type = \"acOutCfg\"\n", device.ErrInvalidProfile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			credentialsEnv(t)

			_, err := config.Load(config.WithArgs(nil), config.WithConfigFile(writeConfig(t, tt.content)))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}
