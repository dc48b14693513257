package device

import (
	"encoding/json"
	"fmt"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
)

const (
	FrequencyHz50 = 1
	FrequencyHz60 = 2

	envelopeVersion = "1.0"
)

// ACDefaults are sent along with every AC output command.
type ACDefaults struct {
	Voltage   int
	Frequency int
	XBoost    bool
}

func DefaultACDefaults() ACDefaults {
	return ACDefaults{Voltage: 230, Frequency: FrequencyHz50, XBoost: true}
}

func (a ACDefaults) Validate() error {
	errFactory := errors.New()
	if a.Voltage <= 0 {
		return errFactory.WithData(ErrInvalidACValue, fmt.Sprintf("voltage %d", a.Voltage))
	}
	if a.Frequency != FrequencyHz50 && a.Frequency != FrequencyHz60 {
		return errFactory.WithData(ErrInvalidACValue, fmt.Sprintf("frequency %d", a.Frequency))
	}
	return nil
}

// Command is a single set request for the device.
type Command struct {
	Output      Output         `json:"output"`
	Enabled     bool           `json:"enabled"`
	ModuleType  int            `json:"module_type"`
	OperateType string         `json:"operate_type"`
	Params      map[string]int `json:"params"`
}

// Toggle builds the command that switches output on or off.
func (p Profile) Toggle(output Output, on bool, ac ACDefaults) (Command, error) {
	errFactory := errors.New()

	spec, ok := p.Commands[output]
	if !ok {
		return Command{}, errFactory.WithData(ErrUnknownOutput, string(output))
	}

	cmd := Command{
		Output:      output,
		Enabled:     on,
		ModuleType:  spec.ModuleType,
		OperateType: spec.OperateType,
		Params:      map[string]int{spec.EnableParam: boolToInt(on)},
	}

	if spec.ACSettings {
		if err := ac.Validate(); err != nil {
			return Command{}, err
		}
		cmd.Params["xboost"] = boolToInt(ac.XBoost)
		cmd.Params["out_voltage"] = ac.Voltage
		cmd.Params["out_freq"] = ac.Frequency
	}

	return cmd, cmd.Validate()
}

// Validate checks that c is something the device understands.
func (c Command) Validate() error {
	errFactory := errors.New()

	switch {
	case c.OperateType == "":
		return errFactory.WithData(ErrInvalidCommand, "missing operate type")
	case c.ModuleType <= 0:
		return errFactory.WithData(ErrInvalidCommand, fmt.Sprintf("module type %d", c.ModuleType))
	case len(c.Params) == 0:
		return errFactory.WithData(ErrInvalidCommand, "no params")
	}

	if v, ok := c.Params["enabled"]; ok && v != 0 && v != 1 {
		return errFactory.WithData(ErrInvalidCommand, fmt.Sprintf("enabled=%d", v))
	}

	return nil
}

type envelope struct {
	ID          string         `json:"id"`
	Version     string         `json:"version"`
	ModuleType  int            `json:"moduleType"`
	OperateType string         `json:"operateType"`
	Params      map[string]int `json:"params"`
}

// Envelope encodes c as the set message published on the command topic.
func (c Command) Envelope(id string) ([]byte, error) {
	return json.Marshal(envelope{
		ID:          id,
		Version:     envelopeVersion,
		ModuleType:  c.ModuleType,
		OperateType: c.OperateType,
		Params:      c.Params,
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
