package device

import (
	"fmt"
	"math"
	"strings"

	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
)

// Status is the human facing view of a snapshot. Nil fields have not been
// reported yet.
type Status struct {
	SOC             *float64 `json:"soc,omitempty"`
	InputWatts      *float64 `json:"input_watts,omitempty"`
	OutputWatts     *float64 `json:"output_watts,omitempty"`
	SolarWatts      *float64 `json:"solar_watts,omitempty"`
	ACInputWatts    *float64 `json:"ac_input_watts,omitempty"`
	ACOutputWatts   *float64 `json:"ac_output_watts,omitempty"`
	ACInputVoltage  *float64 `json:"ac_input_voltage,omitempty"`
	ACInputFreq     *float64 `json:"ac_input_freq,omitempty"`
	ACOutputVoltage *float64 `json:"ac_output_voltage,omitempty"`
	ACOutputFreq    *float64 `json:"ac_output_freq,omitempty"`
	ACEnabled       *bool    `json:"ac_enabled,omitempty"`
	USBEnabled      *bool    `json:"usb_enabled,omitempty"`
	DCEnabled       *bool    `json:"dc_enabled,omitempty"`
	USB1Watts       *float64 `json:"usb1_watts,omitempty"`
	USB2Watts       *float64 `json:"usb2_watts,omitempty"`
	QCUSB1Watts     *float64 `json:"qc_usb1_watts,omitempty"`
	QCUSB2Watts     *float64 `json:"qc_usb2_watts,omitempty"`
	TypeC1Watts     *float64 `json:"typec1_watts,omitempty"`
	TypeC2Watts     *float64 `json:"typec2_watts,omitempty"`
	CarWatts        *float64 `json:"car_watts,omitempty"`
	ChargeState     *int     `json:"charge_state,omitempty"`
	ChargeRemain    *float64 `json:"charge_remain_min,omitempty"`
	DischargeRemain *float64 `json:"discharge_remain_min,omitempty"`
	InverterTemp    *float64 `json:"inverter_temp_c,omitempty"`
	BatteryTemp     *float64 `json:"battery_temp_c,omitempty"`
	BatterySOH      *float64 `json:"battery_soh,omitempty"`
	BatteryCycles   *float64 `json:"battery_cycles,omitempty"`
	RemainCapacity  *float64 `json:"remain_capacity_mah,omitempty"`
	FullCapacity    *float64 `json:"full_capacity_mah,omitempty"`
	MaxChargeSOC    *float64 `json:"max_charge_soc,omitempty"`
	MinDischargeSOC *float64 `json:"min_discharge_soc,omitempty"`
}

// StatusOf reads the profile's fields out of snap.
func (p Profile) StatusOf(snap telemetry.Snapshot) Status {
	f := p.Fields
	st := Status{
		SOC:             number(snap, f.SOC),
		InputWatts:      number(snap, f.InputWatts),
		OutputWatts:     number(snap, f.OutputWatts),
		SolarWatts:      number(snap, f.SolarWatts),
		ACInputWatts:    number(snap, f.ACInputWatts),
		ACOutputWatts:   number(snap, f.ACOutputWatts),
		ACInputVoltage:  number(snap, f.ACInputVoltage),
		ACInputFreq:     number(snap, f.ACInputFreq),
		ACOutputVoltage: number(snap, f.ACOutputVoltage),
		ACOutputFreq:    number(snap, f.ACOutputFreq),
		ACEnabled:       flag(snap, f.ACEnabled),
		USBEnabled:      flag(snap, f.USBEnabled),
		DCEnabled:       flag(snap, f.DCEnabled),
		USB1Watts:       number(snap, f.USB1Watts),
		USB2Watts:       number(snap, f.USB2Watts),
		QCUSB1Watts:     number(snap, f.QCUSB1Watts),
		QCUSB2Watts:     number(snap, f.QCUSB2Watts),
		TypeC1Watts:     number(snap, f.TypeC1Watts),
		TypeC2Watts:     number(snap, f.TypeC2Watts),
		CarWatts:        number(snap, f.CarWatts),
		ChargeRemain:    number(snap, f.ChargeRemain),
		DischargeRemain: number(snap, f.DischargeRemain),
		InverterTemp:    number(snap, f.InverterTemp),
		BatteryTemp:     number(snap, f.BatteryTemp),
		BatterySOH:      number(snap, f.BatterySOH),
		BatteryCycles:   number(snap, f.BatteryCycles),
		RemainCapacity:  number(snap, f.RemainCapacity),
		FullCapacity:    number(snap, f.FullCapacity),
		MaxChargeSOC:    number(snap, f.MaxChargeSOC),
		MinDischargeSOC: number(snap, f.MinDischargeSOC),
	}
	if n := number(snap, f.ChargeState); n != nil {
		v := int(*n)
		st.ChargeState = &v
	}
	return st
}

// HasData reports whether any headline reading has arrived.
func (s Status) HasData() bool {
	return s.SOC != nil || s.InputWatts != nil
}

// Enabled returns the reported switch state of o.
func (s Status) Enabled(o Output) *bool {
	switch o {
	case OutputAC:
		return s.ACEnabled
	case OutputUSB:
		return s.USBEnabled
	case OutputDC:
		return s.DCEnabled
	}
	return nil
}

// TotalInput prefers the summed input and falls back to AC input.
func (s Status) TotalInput() *float64 {
	if s.InputWatts != nil {
		return s.InputWatts
	}
	return s.ACInputWatts
}

func (s Status) TotalOutput() *float64 {
	if s.OutputWatts != nil {
		return s.OutputWatts
	}
	return s.ACOutputWatts
}

// USBAWatts adds the regular and quick charge USB-A ports. It is nil when
// none of them has reported.
func (s Status) USBAWatts() *float64 {
	return sum(s.USB1Watts, s.USB2Watts, s.QCUSB1Watts, s.QCUSB2Watts)
}

func (s Status) USBCWatts() *float64 {
	return sum(s.TypeC1Watts, s.TypeC2Watts)
}

func sum(vals ...*float64) *float64 {
	var (
		total float64
		seen  bool
	)
	for _, v := range vals {
		if v != nil {
			total += *v
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return &total
}

var chargeStateLabels = map[int]string{
	0: "Idle",
	1: "CC Charging",
	2: "CV Charging",
	3: "CC Discharging",
	4: "Discharging",
}

func ChargeStateLabel(state *int) string {
	if state == nil {
		return "-"
	}
	if l, ok := chargeStateLabels[*state]; ok {
		return l
	}
	return "Unknown"
}

const none = "-"

func FormatWatts(w *float64) string {
	if w == nil {
		return none
	}
	return fmt.Sprintf("%.0f W", *w)
}

func FormatPercent(p *float64) string {
	if p == nil {
		return none
	}
	return fmt.Sprintf("%.0f%%", *p)
}

func FormatTemp(t *float64) string {
	if t == nil {
		return none
	}
	return fmt.Sprintf("%.0f °C", *t)
}

// FormatVolts normalises the mixed units EcoFlow reports voltages in:
// millivolts above 10000, tenths of a volt above 1000, volts otherwise.
func FormatVolts(v *float64) string {
	if v == nil {
		return none
	}
	volts := *v
	switch {
	case volts > 10_000:
		volts /= 1000
	case volts > 1_000:
		volts /= 10
	}
	return fmt.Sprintf("%.0f V", volts)
}

func FormatFreq(f *float64) string {
	if f == nil {
		return none
	}
	return fmt.Sprintf("%.0f Hz", *f)
}

// FormatCapacity renders remaining over full capacity in mAh.
func FormatCapacity(remain, full *float64) string {
	if remain == nil || full == nil {
		return none
	}
	return fmt.Sprintf("%.0f / %.0f mAh", *remain, *full)
}

// FormatRemaining renders minutes as "2h 05m" or "45m".
func FormatRemaining(minutes *float64) string {
	if minutes == nil || math.IsNaN(*minutes) {
		return none
	}
	m := int(*minutes)
	if m <= 0 {
		return none
	}
	if m >= 60 {
		return fmt.Sprintf("%dh %02dm", m/60, m%60)
	}
	return fmt.Sprintf("%dm", m)
}

func FormatOnOff(b *bool) string {
	if b == nil {
		return none
	}
	if *b {
		return "ON"
	}
	return "OFF"
}

// BatteryBar draws pct as a fixed width bar.
func BatteryBar(pct *float64, width int) string {
	if pct == nil {
		return strings.Repeat("░", width)
	}
	filled := int(math.Round(math.Max(0, math.Min(100, *pct)) / 100 * float64(width)))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func number(snap telemetry.Snapshot, key string) *float64 {
	if key == "" {
		return nil
	}
	v, ok := snap.Float(key)
	if !ok {
		return nil
	}
	return &v
}

func flag(snap telemetry.Snapshot, key string) *bool {
	if key == "" {
		return nil
	}
	v, ok := snap.Get(key)
	if !ok {
		return nil
	}
	b := v.Truthy()
	return &b
}
