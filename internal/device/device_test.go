package device_test

import (
	"encoding/json"
	"testing"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delta2(t *testing.T) device.Profile {
	t.Helper()
	p, err := device.Lookup("")
	require.NoError(t, err)
	require.Equal(t, "delta2", p.Name)
	return p
}

func TestLookupUnknownProfile(t *testing.T) {
	_, err := device.Lookup("river9000")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrUnknownProfile))
	assert.Contains(t, device.Profiles(), "delta2")
}

func TestToggleACIncludesDefaults(t *testing.T) {
	p := delta2(t)

	cmd, err := p.Toggle(device.OutputAC, true, device.ACDefaults{Voltage: 230, Frequency: device.FrequencyHz50, XBoost: true})
	require.NoError(t, err)

	assert.Equal(t, "acOutCfg", cmd.OperateType)
	assert.Equal(t, 5, cmd.ModuleType)
	assert.Equal(t, map[string]int{
		"enabled":     1,
		"xboost":      1,
		"out_voltage": 230,
		"out_freq":    1,
	}, cmd.Params)

	payload, err := cmd.Envelope("123456")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "123456",
		"version": "1.0",
		"moduleType": 5,
		"operateType": "acOutCfg",
		"params": {"enabled": 1, "xboost": 1, "out_voltage": 230, "out_freq": 1}
	}`, string(payload))
}

func TestToggleSimpleOutputs(t *testing.T) {
	p := delta2(t)

	tests := []struct {
		output  device.Output
		operate string
		module  int
	}{
		{device.OutputUSB, "dcOutCfg", 1},
		{device.OutputDC, "mpptCar", 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.output), func(t *testing.T) {
			cmd, err := p.Toggle(tt.output, false, device.ACDefaults{})
			require.NoError(t, err)
			assert.Equal(t, tt.operate, cmd.OperateType)
			assert.Equal(t, tt.module, cmd.ModuleType)
			assert.Equal(t, map[string]int{"enabled": 0}, cmd.Params)
		})
	}
}

func TestToggleRejectsBadACSettings(t *testing.T) {
	p := delta2(t)

	_, err := p.Toggle(device.OutputAC, true, device.ACDefaults{Voltage: 230, Frequency: 3})
	assert.True(t, errors.HasCode(err, device.ErrInvalidACValue))

	_, err = p.Toggle(device.OutputAC, true, device.ACDefaults{Voltage: 0, Frequency: 1})
	assert.True(t, errors.HasCode(err, device.ErrInvalidACValue))

	_, err = p.Toggle("hdmi", true, device.DefaultACDefaults())
	assert.True(t, errors.HasCode(err, device.ErrUnknownOutput))
}

func TestCommandValidate(t *testing.T) {
	bad := []device.Command{
		{ModuleType: 5, Params: map[string]int{"enabled": 1}},
		{OperateType: "acOutCfg", Params: map[string]int{"enabled": 1}},
		{OperateType: "acOutCfg", ModuleType: 5},
		{OperateType: "acOutCfg", ModuleType: 5, Params: map[string]int{"enabled": 2}},
	}
	for _, c := range bad {
		assert.True(t, errors.HasCode(c.Validate(), errors.ErrInvalidCommand), "%+v", c)
	}
}

func TestParseOutput(t *testing.T) {
	o, err := device.ParseOutput(" USB ")
	require.NoError(t, err)
	assert.Equal(t, device.OutputUSB, o)

	_, err = device.ParseOutput("solar")
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	p := delta2(t)
	snap := telemetry.SnapshotOf(map[string]telemetry.Value{
		"pd.soc":                 telemetry.Number(87),
		"inv.inputWatts":         telemetry.Number(450),
		"inv.cfgAcEnabled":       telemetry.Number(1),
		"pd.dcOutState":          telemetry.Number(0),
		"bms_emsStatus.chgState": telemetry.Number(2),
		"inv.acInVol":            telemetry.Number(231500),
	})

	st := p.StatusOf(snap)
	require.True(t, st.HasData())
	assert.Equal(t, "87%", device.FormatPercent(st.SOC))
	assert.Equal(t, "450 W", device.FormatWatts(st.TotalInput()))
	assert.Equal(t, "ON", device.FormatOnOff(st.Enabled(device.OutputAC)))
	assert.Equal(t, "OFF", device.FormatOnOff(st.Enabled(device.OutputUSB)))
	assert.Equal(t, "-", device.FormatOnOff(st.Enabled(device.OutputDC)))
	assert.Equal(t, "CV Charging", device.ChargeStateLabel(st.ChargeState))
	assert.Equal(t, "232 V", device.FormatVolts(st.ACInputVoltage))

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{"soc":87,"ac_input_watts":450,"ac_input_voltage":231500,"ac_enabled":true,"usb_enabled":false,"charge_state":2}`, string(b))
}

func TestFormatters(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	assert.Equal(t, "230 V", device.FormatVolts(f(2300)))
	assert.Equal(t, "230 V", device.FormatVolts(f(230)))
	assert.Equal(t, "2h 05m", device.FormatRemaining(f(125)))
	assert.Equal(t, "45m", device.FormatRemaining(f(45)))
	assert.Equal(t, "-", device.FormatRemaining(f(0)))
	assert.Equal(t, "█████░░░░░", device.BatteryBar(f(50), 10))
	assert.Equal(t, "░░░░", device.BatteryBar(nil, 4))
}

func TestDetectorConfigFromProfile(t *testing.T) {
	p := delta2(t)

	cfg := p.DetectorConfig(25, nil, "")
	assert.Equal(t, []string{"pd.wattsInSum", "inv.inputWatts"}, cfg.PowerFields)
	assert.Equal(t, detector.ModeFirst, cfg.Mode)
	assert.InDelta(t, 25.0, cfg.ThresholdWatts, 0)
	assert.Equal(t, []string{"pd.soc", "pd.wattsOutSum"}, cfg.ExcerptFields)

	cfg = p.DetectorConfig(10, []string{"inv.inputWatts"}, detector.ModeSum)
	assert.Equal(t, []string{"inv.inputWatts"}, cfg.PowerFields)
	assert.Equal(t, detector.ModeSum, cfg.Mode)
}

func TestStatusOfExtendedReadings(t *testing.T) {
	p := delta2(t)
	snap := telemetry.SnapshotOf(map[string]telemetry.Value{
		"mppt.inWatts":               telemetry.Number(180),
		"pd.usb1Watts":               telemetry.Number(4),
		"pd.qcUsb2Watts":             telemetry.Number(18),
		"pd.typec1Watts":             telemetry.Number(60),
		"mppt.carOutWatts":           telemetry.Number(24),
		"inv.invOutVol":              telemetry.Number(230000),
		"inv.invOutFreq":             telemetry.Number(50),
		"bms_bmsStatus.soh":          telemetry.Number(99),
		"bms_bmsStatus.cycles":       telemetry.Number(57),
		"bms_bmsStatus.temp":         telemetry.Number(26),
		"bms_bmsStatus.remainCap":    telemetry.Number(28000),
		"bms_bmsStatus.fullCap":      telemetry.Number(50000),
		"bms_emsStatus.maxChargeSoc": telemetry.Number(100),
		"bms_emsStatus.minDsgSoc":    telemetry.Number(5),
	})

	st := p.StatusOf(snap)
	assert.Equal(t, "180 W", device.FormatWatts(st.SolarWatts))
	assert.Equal(t, "22 W", device.FormatWatts(st.USBAWatts()))
	assert.Equal(t, "60 W", device.FormatWatts(st.USBCWatts()))
	assert.Equal(t, "24 W", device.FormatWatts(st.CarWatts))
	assert.Equal(t, "230 V", device.FormatVolts(st.ACOutputVoltage))
	assert.Equal(t, "50 Hz", device.FormatFreq(st.ACOutputFreq))
	assert.Equal(t, "99%", device.FormatPercent(st.BatterySOH))
	assert.Equal(t, "28000 / 50000 mAh", device.FormatCapacity(st.RemainCapacity, st.FullCapacity))
	assert.Equal(t, "100%", device.FormatPercent(st.MaxChargeSOC))
	assert.Equal(t, "5%", device.FormatPercent(st.MinDischargeSOC))
	require.NotNil(t, st.BatteryCycles)
	assert.InDelta(t, 57, *st.BatteryCycles, 0)

	assert.Nil(t, device.Status{}.USBCWatts())
}

func TestResolveOverridesBuiltIn(t *testing.T) {
	p, err := device.Resolve("delta2", device.Overrides{
		Fields: map[string]string{
			"soc":         "bms_bmsStatus.soc",
			"solar_watts": "",
		},
		Commands: map[string]device.CommandOverride{
			"usb": {OperateType: "usbOutCfg", ModuleType: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "bms_bmsStatus.soc", p.Fields.SOC)
	assert.Empty(t, p.Fields.SolarWatts)

	cmd, err := p.Toggle(device.OutputUSB, true, device.ACDefaults{})
	require.NoError(t, err)
	assert.Equal(t, "usbOutCfg", cmd.OperateType)
	assert.Equal(t, 3, cmd.ModuleType)
	assert.Equal(t, map[string]int{"enabled": 1}, cmd.Params)

	builtin := delta2(t)
	assert.Equal(t, "dcOutCfg", builtin.Commands[device.OutputUSB].OperateType, "built-in profile is untouched")
	assert.Equal(t, "pd.soc", builtin.Fields.SOC)
}

func TestResolveCustomProfileToggles(t *testing.T) {
	p, err := device.Resolve("river2", device.Overrides{
		Fields: map[string]string{
			"soc":         "pd.soc",
			"input_watts": "pd.wattsInSum",
		},
		Commands: map[string]device.CommandOverride{
			"ac": {OperateType: "acOutCfg", ModuleType: 5, EnableParam: "enabled", ACSettings: ptr(true)},
			"dc": {OperateType: "dcOutCfg", ModuleType: 5, EnableParam: "dcChgCfg"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "river2", p.Name)
	assert.Equal(t, []string{"pd.wattsInSum"}, p.PowerFields)

	cmd, err := p.Toggle(device.OutputDC, false, device.ACDefaults{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"dcChgCfg": 0}, cmd.Params)

	cmd, err = p.Toggle(device.OutputAC, true, device.DefaultACDefaults())
	require.NoError(t, err)
	assert.Equal(t, 230, cmd.Params["out_voltage"])

	_, err = p.Toggle(device.OutputUSB, true, device.ACDefaults{})
	assert.True(t, errors.HasCode(err, device.ErrUnknownOutput))

	payload, err := cmd.Envelope("000001")
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"operateType":"acOutCfg"`)
}

func TestResolveRejectsBadOverrides(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		o       device.Overrides
		code    errors.ErrorCode
	}{
		{"unknown profile without commands", "river2", device.Overrides{Fields: map[string]string{"soc": "pd.soc"}}, device.ErrUnknownProfile},
		{"unknown field", "delta2", device.Overrides{Fields: map[string]string{"humidity": "x"}}, device.ErrUnknownField},
		{"unknown output", "delta2", device.Overrides{Commands: map[string]device.CommandOverride{"hdmi": {}}}, device.ErrUnknownOutput},
		{"incomplete command", "river2", device.Overrides{Commands: map[string]device.CommandOverride{"ac": {OperateType: "acOutCfg"}}}, device.ErrInvalidProfile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := device.Resolve(tt.profile, tt.o)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "%v", err)
		})
	}
}

func TestFieldNames(t *testing.T) {
	names := device.FieldNames()
	assert.Contains(t, names, "solar_watts")
	assert.Contains(t, names, "min_discharge_soc")

	var f device.Fields
	require.NoError(t, f.Set("Battery_SOH", " bms_bmsStatus.soh "))
	assert.Equal(t, "bms_bmsStatus.soh", f.BatterySOH)
}

func ptr[T any](v T) *T { return &v }
