package notify

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
)

const (
	ColorCharging = 0x2ECC71
	ColorStopped  = 0xE74C3C
	ColorInfo     = 0x3498DB
	ColorWarn     = 0xF39C12

	batteryBarWidth = 10
)

// Message is a rendered notification, independent of the chat platform.
type Message struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
	Footer      string
	Timestamp   time.Time
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Text flattens m for sinks without rich formatting.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Title)
	if m.Description != "" {
		b.WriteString("\n")
		b.WriteString(m.Description)
	}
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, strings.ReplaceAll(f.Value, "\n", ", "))
	}
	return b.String()
}

// Event is what the notifier renders for a detected transition.
type Event struct {
	Transition detector.Transition
	Status     device.Status
	DeviceSN   string
}

// RenderTransition builds the power lost or power restored message.
func RenderTransition(ev Event) Message {
	title, color := "Power Gone: Charging Stopped", ColorStopped
	if ev.Transition.PowerRestored() {
		title, color = "Power Restored: Charging Started", ColorCharging
	}

	msg := RenderStatus(ev.Status, ev.Transition.To, ev.DeviceSN)
	msg.Title = title
	msg.Color = color
	msg.Timestamp = ev.Transition.At
	msg.Fields = append([]Field{{
		Name:   "Transition",
		Value:  fmt.Sprintf("%s → %s at %.0f W input", ev.Transition.From, ev.Transition.To, ev.Transition.InputWatts),
		Inline: false,
	}}, msg.Fields...)

	return msg
}

// RenderStatus builds the status overview shared by notifications and the
// status endpoint.
func RenderStatus(st device.Status, charging detector.ChargingState, sn string) Message {
	msg := Message{
		Title:     "Status: " + chargingLabel(charging),
		Color:     ColorInfo,
		Footer:    "EcoFlow • " + sn,
		Timestamp: time.Now(),
	}

	if !st.HasData() {
		msg.Description = "No data received yet, waiting for device telemetry."
		return msg
	}

	lines := []string{fmt.Sprintf("`%s`  **%s**", device.BatteryBar(st.SOC, batteryBarWidth), device.FormatPercent(st.SOC))}
	switch {
	case charging == detector.Charging && positive(st.ChargeRemain):
		lines = append(lines, "Full in ~"+device.FormatRemaining(st.ChargeRemain))
	case charging == detector.NotCharging && positive(st.DischargeRemain):
		lines = append(lines, "~"+device.FormatRemaining(st.DischargeRemain)+" remaining")
	}
	if st.RemainCapacity != nil && st.FullCapacity != nil {
		lines = append(lines, device.FormatCapacity(st.RemainCapacity, st.FullCapacity))
	}
	lines = append(lines, device.ChargeStateLabel(st.ChargeState))
	msg.Description = strings.Join(lines, "\n")

	power := "In: " + device.FormatWatts(st.TotalInput()) +
		"\nOut: " + device.FormatWatts(st.TotalOutput()) +
		"\nSolar: " + device.FormatWatts(st.SolarWatts)

	msg.Fields = []Field{
		{
			Name:   "Power Flow",
			Value:  power,
			Inline: true,
		},
		{
			Name:   "AC",
			Value:  "In: " + acInput(st) + "\nOut: " + acOutput(st),
			Inline: true,
		},
		{
			Name:   "DC Ports",
			Value:  dcPorts(st),
			Inline: false,
		},
	}

	if health := healthLine(st); health != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Health & Temps", Value: health, Inline: false})
	}
	if limits := chargeLimits(st); limits != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Charge Limits", Value: limits, Inline: false})
	}

	return msg
}

// RenderConnected announces a (re)established telemetry stream.
func RenderConnected(sn string) Message {
	return Message{
		Description: fmt.Sprintf("Connected to EcoFlow data stream. Monitoring `%s`.", sn),
		Color:       ColorInfo,
		Timestamp:   time.Now(),
	}
}

func acInput(st device.Status) string {
	var parts []string
	if st.ACInputVoltage != nil {
		parts = append(parts, device.FormatVolts(st.ACInputVoltage))
	}
	if st.ACInputWatts != nil {
		parts = append(parts, device.FormatWatts(st.ACInputWatts))
	}
	if st.ACInputFreq != nil {
		parts = append(parts, device.FormatFreq(st.ACInputFreq))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " · ")
}

func acOutput(st device.Status) string {
	var parts []string
	if st.ACOutputVoltage != nil {
		parts = append(parts, device.FormatVolts(st.ACOutputVoltage))
	}
	if st.ACOutputWatts != nil {
		parts = append(parts, device.FormatWatts(st.ACOutputWatts))
	}
	if st.ACOutputFreq != nil {
		parts = append(parts, device.FormatFreq(st.ACOutputFreq))
	}
	if len(parts) == 0 {
		return device.FormatOnOff(st.ACEnabled)
	}
	return device.FormatOnOff(st.ACEnabled) + " " + strings.Join(parts, " · ")
}

func dcPorts(st device.Status) string {
	usbA := "USB-A: " + device.FormatOnOff(st.USBEnabled)
	if positive(st.USBAWatts()) {
		usbA += " " + device.FormatWatts(st.USBAWatts())
	}

	usbC := "USB-C: -"
	if positive(st.USBCWatts()) {
		usbC = "USB-C: " + device.FormatWatts(st.USBCWatts())
	}

	car := "12V Car: " + device.FormatOnOff(st.DCEnabled)
	if positive(st.CarWatts) {
		car += " " + device.FormatWatts(st.CarWatts)
	}

	return usbA + "\n" + usbC + "\n" + car
}

func healthLine(st device.Status) string {
	var parts []string
	if st.BatterySOH != nil {
		parts = append(parts, "SOH: "+device.FormatPercent(st.BatterySOH))
	}
	if st.BatteryCycles != nil {
		parts = append(parts, fmt.Sprintf("%.0f cycles", *st.BatteryCycles))
	}
	if st.BatteryTemp != nil {
		parts = append(parts, "Batt: "+device.FormatTemp(st.BatteryTemp))
	}
	if st.InverterTemp != nil {
		parts = append(parts, "Inv: "+device.FormatTemp(st.InverterTemp))
	}
	return strings.Join(parts, "  ·  ")
}

func chargeLimits(st device.Status) string {
	var parts []string
	if st.MaxChargeSOC != nil {
		parts = append(parts, "Max "+device.FormatPercent(st.MaxChargeSOC))
	}
	if st.MinDischargeSOC != nil {
		parts = append(parts, "Min "+device.FormatPercent(st.MinDischargeSOC))
	}
	return strings.Join(parts, "  ")
}

func chargingLabel(s detector.ChargingState) string {
	switch s {
	case detector.Charging:
		return "Charging"
	case detector.NotCharging:
		return "Idle"
	}
	return "Unknown"
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}
