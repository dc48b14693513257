package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/monitor"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
	"github.com/go-chi/chi/v5"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type healthResponse struct {
	State monitor.State `json:"state"`
}

type statusResponse struct {
	DeviceSN      string                 `json:"device_sn"`
	Profile       string                 `json:"profile"`
	MonitorState  monitor.State          `json:"monitor_state"`
	ChargingState detector.ChargingState `json:"charging_state"`
	Status        device.Status          `json:"status"`
	Battery       string                 `json:"battery"`
	ChargeState   string                 `json:"charge_state_label"`
	FieldCount    int                    `json:"field_count"`
	Fields        *telemetry.Snapshot    `json:"fields,omitempty"`
}

type fieldResponse struct {
	Key   string          `json:"key"`
	Kind  string          `json:"kind"`
	Value telemetry.Value `json:"value"`
}

type commandResponse struct {
	Output  device.Output `json:"output"`
	Label   string        `json:"label"`
	Enabled bool          `json:"enabled"`
	Status  string        `json:"status"`
}

type transitionEvent struct {
	Type       string                     `json:"type"`
	From       detector.ChargingState     `json:"from"`
	To         detector.ChargingState     `json:"to"`
	At         time.Time                  `json:"at"`
	InputWatts float64                    `json:"input_watts"`
	Excerpt    map[string]telemetry.Value `json:"excerpt,omitempty"`
}

func transitionEventOf(tr detector.Transition) transitionEvent {
	return transitionEvent{
		Type:       "transition",
		From:       tr.From,
		To:         tr.To,
		At:         tr.At,
		InputWatts: tr.InputWatts,
		Excerpt:    tr.Excerpt,
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	state := s.ctrl.State()
	code := http.StatusServiceUnavailable
	if state.CanPublish() {
		code = http.StatusOK
	}
	writeJSON(w, code, healthResponse{State: state})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.ReadSnapshot()
	st := s.cfg.Profile.StatusOf(snap)

	resp := statusResponse{
		DeviceSN:      s.cfg.DeviceSN,
		Profile:       s.cfg.Profile.Name,
		MonitorState:  s.ctrl.State(),
		ChargingState: s.ctrl.ChargingState(),
		Status:        st,
		Battery:       device.BatteryBar(st.SOC, 10) + " " + device.FormatPercent(st.SOC),
		ChargeState:   device.ChargeStateLabel(st.ChargeState),
		FieldCount:    snap.Len(),
	}
	if withFields, _ := strconv.ParseBool(r.URL.Query().Get("fields")); withFields {
		resp.Fields = &snap
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) field(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	v, ok := s.ctrl.ReadField(key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound, "field "+strconv.Quote(key)+" has not been reported")
		return
	}

	writeJSON(w, http.StatusOK, fieldResponse{Key: key, Kind: v.Kind().String(), Value: v})
}

// toggleOutput issues exactly one command. A disconnected monitor answers
// 503 without touching the broker.
func (s *Server) toggleOutput(w http.ResponseWriter, r *http.Request) {
	output, err := device.ParseOutput(chi.URLParam(r, "output"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrNotFound, err.Error())
		return
	}

	var on bool
	switch chi.URLParam(r, "state") {
	case "on":
		on = true
	case "off":
	default:
		writeError(w, http.StatusBadRequest, ErrBadRequest, "state must be on or off")
		return
	}

	cmd, err := s.cfg.Profile.Toggle(output, on, s.cfg.AC)
	if err != nil {
		writeError(w, toggleStatus(err), errors.CodeOf(err), err.Error())
		return
	}

	if err := s.ctrl.PublishCommand(r.Context(), cmd); err != nil {
		s.log.ErrorWithContext(errors.From(err), "api", "toggle_output").
			Str("output", string(output)).
			Bool("enabled", on).
			Msg("Command failed")
		writeError(w, commandStatus(err), errors.CodeOf(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, commandResponse{
		Output:  output,
		Label:   output.Label(),
		Enabled: on,
		Status:  "sent",
	})
}

// toggleStatus maps a failure to build a command. Outputs the profile
// cannot switch are 404, everything else is a bad request.
func toggleStatus(err error) int {
	if errors.HasCode(err, device.ErrUnknownOutput) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func commandStatus(err error) int {
	switch {
	case errors.HasCode(err, errors.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.HasCode(err, errors.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.HasCode(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode errors.ErrorCode, msg string) {
	writeJSON(w, code, errorResponse{Error: string(errCode), Message: msg})
}
