package device

import (
	"fmt"
	"sort"
	"strings"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
)

const DefaultProfile = "delta2"

// Output names a switchable output group on the device.
type Output string

const (
	OutputAC  Output = "ac"
	OutputUSB Output = "usb"
	OutputDC  Output = "dc"
)

// ParseOutput accepts the output names used by the command surface.
func ParseOutput(s string) (Output, error) {
	switch o := Output(strings.ToLower(strings.TrimSpace(s))); o {
	case OutputAC, OutputUSB, OutputDC:
		return o, nil
	}
	return "", errors.New().WithData(ErrUnknownOutput, s)
}

func (o Output) Label() string {
	switch o {
	case OutputAC:
		return "AC output"
	case OutputUSB:
		return "USB / DC output"
	case OutputDC:
		return "12 V car port"
	}
	return string(o)
}

// Fields maps the status view onto device specific telemetry keys. An empty
// key means the device does not report that reading.
type Fields struct {
	SOC             string
	InputWatts      string
	OutputWatts     string
	SolarWatts      string
	ACInputWatts    string
	ACOutputWatts   string
	ACInputVoltage  string
	ACInputFreq     string
	ACOutputVoltage string
	ACOutputFreq    string
	ACEnabled       string
	USBEnabled      string
	DCEnabled       string
	USB1Watts       string
	USB2Watts       string
	QCUSB1Watts     string
	QCUSB2Watts     string
	TypeC1Watts     string
	TypeC2Watts     string
	CarWatts        string
	ChargeState     string
	ChargeRemain    string
	DischargeRemain string
	InverterTemp    string
	BatteryTemp     string
	BatterySOH      string
	BatteryCycles   string
	RemainCapacity  string
	FullCapacity    string
	MaxChargeSOC    string
	MinDischargeSOC string
}

type fieldRef struct {
	name string
	key  *string
}

// refs lists every field under the name used in configuration, in display
// order.
func (f *Fields) refs() []fieldRef {
	return []fieldRef{
		{"soc", &f.SOC},
		{"input_watts", &f.InputWatts},
		{"output_watts", &f.OutputWatts},
		{"solar_watts", &f.SolarWatts},
		{"ac_input_watts", &f.ACInputWatts},
		{"ac_output_watts", &f.ACOutputWatts},
		{"ac_input_voltage", &f.ACInputVoltage},
		{"ac_input_freq", &f.ACInputFreq},
		{"ac_output_voltage", &f.ACOutputVoltage},
		{"ac_output_freq", &f.ACOutputFreq},
		{"ac_enabled", &f.ACEnabled},
		{"usb_enabled", &f.USBEnabled},
		{"dc_enabled", &f.DCEnabled},
		{"usb1_watts", &f.USB1Watts},
		{"usb2_watts", &f.USB2Watts},
		{"qc_usb1_watts", &f.QCUSB1Watts},
		{"qc_usb2_watts", &f.QCUSB2Watts},
		{"typec1_watts", &f.TypeC1Watts},
		{"typec2_watts", &f.TypeC2Watts},
		{"car_watts", &f.CarWatts},
		{"charge_state", &f.ChargeState},
		{"charge_remain", &f.ChargeRemain},
		{"discharge_remain", &f.DischargeRemain},
		{"inverter_temp", &f.InverterTemp},
		{"battery_temp", &f.BatteryTemp},
		{"battery_soh", &f.BatterySOH},
		{"battery_cycles", &f.BatteryCycles},
		{"remain_capacity", &f.RemainCapacity},
		{"full_capacity", &f.FullCapacity},
		{"max_charge_soc", &f.MaxChargeSOC},
		{"min_discharge_soc", &f.MinDischargeSOC},
	}
}

// Set points the named reading at a telemetry key. An empty key removes
// the reading.
func (f *Fields) Set(name, key string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range f.refs() {
		if r.name == name {
			*r.key = strings.TrimSpace(key)
			return nil
		}
	}
	return errors.New().WithData(ErrUnknownField, name)
}

// FieldNames lists the reading names accepted by Set.
func FieldNames() []string {
	var f Fields
	refs := f.refs()
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.name
	}
	return names
}

// CommandSpec describes how one output is switched.
type CommandSpec struct {
	OperateType string
	ModuleType  int
	// EnableParam is the params key carrying 1 or 0.
	EnableParam string
	// ACSettings adds voltage, frequency and X-Boost to the params. Some
	// firmware ignores partial AC updates.
	ACSettings bool
}

func (c CommandSpec) validate(output Output) error {
	errFactory := errors.New()

	switch {
	case c.OperateType == "":
		return errFactory.WithData(ErrInvalidProfile, fmt.Sprintf("%s: missing operate type", output))
	case c.ModuleType <= 0:
		return errFactory.WithData(ErrInvalidProfile, fmt.Sprintf("%s: module type %d", output, c.ModuleType))
	case c.EnableParam == "":
		return errFactory.WithData(ErrInvalidProfile, fmt.Sprintf("%s: missing enable param", output))
	}
	return nil
}

// Profile is the per model mapping of telemetry fields and commands.
type Profile struct {
	Name        string
	Fields      Fields
	PowerFields []string
	PowerMode   detector.Mode
	Commands    map[Output]CommandSpec
}

// Validate checks every command the profile can send.
func (p Profile) Validate() error {
	for _, o := range []Output{OutputAC, OutputUSB, OutputDC} {
		if spec, ok := p.Commands[o]; ok {
			if err := spec.validate(o); err != nil {
				return err
			}
		}
	}
	return nil
}

var profiles = map[string]Profile{
	"delta2": {
		Name: "delta2",
		Fields: Fields{
			SOC:             "pd.soc",
			InputWatts:      "pd.wattsInSum",
			OutputWatts:     "pd.wattsOutSum",
			SolarWatts:      "mppt.inWatts",
			ACInputWatts:    "inv.inputWatts",
			ACOutputWatts:   "inv.outputWatts",
			ACInputVoltage:  "inv.acInVol",
			ACInputFreq:     "inv.acInFreq",
			ACOutputVoltage: "inv.invOutVol",
			ACOutputFreq:    "inv.invOutFreq",
			ACEnabled:       "inv.cfgAcEnabled",
			USBEnabled:      "pd.dcOutState",
			DCEnabled:       "pd.carState",
			USB1Watts:       "pd.usb1Watts",
			USB2Watts:       "pd.usb2Watts",
			QCUSB1Watts:     "pd.qcUsb1Watts",
			QCUSB2Watts:     "pd.qcUsb2Watts",
			TypeC1Watts:     "pd.typec1Watts",
			TypeC2Watts:     "pd.typec2Watts",
			CarWatts:        "mppt.carOutWatts",
			ChargeState:     "bms_emsStatus.chgState",
			ChargeRemain:    "bms_emsStatus.chgRemainTime",
			DischargeRemain: "bms_emsStatus.dsgRemainTime",
			InverterTemp:    "inv.outTemp",
			BatteryTemp:     "bms_bmsStatus.temp",
			BatterySOH:      "bms_bmsStatus.soh",
			BatteryCycles:   "bms_bmsStatus.cycles",
			RemainCapacity:  "bms_bmsStatus.remainCap",
			FullCapacity:    "bms_bmsStatus.fullCap",
			MaxChargeSOC:    "bms_emsStatus.maxChargeSoc",
			MinDischargeSOC: "bms_emsStatus.minDsgSoc",
		},
		PowerFields: []string{"pd.wattsInSum", "inv.inputWatts"},
		PowerMode:   detector.ModeFirst,
		Commands: map[Output]CommandSpec{
			OutputAC:  {OperateType: "acOutCfg", ModuleType: 5, EnableParam: "enabled", ACSettings: true},
			OutputUSB: {OperateType: "dcOutCfg", ModuleType: 1, EnableParam: "enabled"},
			OutputDC:  {OperateType: "mpptCar", ModuleType: 5, EnableParam: "enabled"},
		},
	},
}

// Lookup returns the named built-in profile.
func Lookup(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return Profile{}, errors.New().WithData(ErrUnknownProfile, name)
	}
	return p.clone(), nil
}

// Profiles lists the built-in profile names.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CommandOverride replaces the non-zero parts of a command definition.
type CommandOverride struct {
	OperateType string
	ModuleType  int
	EnableParam string
	ACSettings  *bool
}

// Overrides adjust a built-in profile, or describe a new device under a
// name no built-in profile uses.
type Overrides struct {
	Fields   map[string]string
	Commands map[string]CommandOverride
}

// Resolve returns the named profile with o applied. A name that is not
// built in starts from an empty profile and is accepted only when o defines
// at least one command. Power fields of a new profile default to its input
// watts reading.
func Resolve(name string, o Overrides) (Profile, error) {
	p, err := Lookup(name)
	if err != nil {
		if len(o.Commands) == 0 {
			return Profile{}, err
		}
		p = Profile{
			Name:      strings.ToLower(name),
			PowerMode: detector.ModeFirst,
			Commands:  map[Output]CommandSpec{},
		}
	}

	names := make([]string, 0, len(o.Fields))
	for n := range o.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := p.Fields.Set(n, o.Fields[n]); err != nil {
			return Profile{}, err
		}
	}

	for key, co := range o.Commands {
		output, err := ParseOutput(key)
		if err != nil {
			return Profile{}, err
		}
		spec := p.Commands[output]
		if co.OperateType != "" {
			spec.OperateType = co.OperateType
		}
		if co.ModuleType != 0 {
			spec.ModuleType = co.ModuleType
		}
		if co.EnableParam != "" {
			spec.EnableParam = co.EnableParam
		}
		if co.ACSettings != nil {
			spec.ACSettings = *co.ACSettings
		}
		p.Commands[output] = spec
	}

	if len(p.PowerFields) == 0 && p.Fields.InputWatts != "" {
		p.PowerFields = []string{p.Fields.InputWatts}
	}

	return p, p.Validate()
}

func (p Profile) clone() Profile {
	out := p
	out.PowerFields = append([]string(nil), p.PowerFields...)
	out.Commands = make(map[Output]CommandSpec, len(p.Commands))
	for o, c := range p.Commands {
		out.Commands[o] = c
	}
	return out
}

// DetectorConfig builds a detector configuration from the profile. Power
// fields given in overrides replace the profile's.
func (p Profile) DetectorConfig(threshold float64, powerFields []string, mode detector.Mode) detector.Config {
	cfg := detector.Config{
		PowerFields:    p.PowerFields,
		Mode:           p.PowerMode,
		ThresholdWatts: threshold,
		ExcerptFields:  []string{p.Fields.SOC, p.Fields.OutputWatts},
	}
	if len(powerFields) > 0 {
		cfg.PowerFields = powerFields
	}
	if mode != "" {
		cfg.Mode = mode
	}

	excerpt := cfg.ExcerptFields[:0]
	for _, k := range cfg.ExcerptFields {
		if k != "" {
			excerpt = append(excerpt, k)
		}
	}
	cfg.ExcerptFields = excerpt

	return cfg
}
