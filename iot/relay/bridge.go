package relay

import (
	"bytes"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicehub/iot/state"
)

// Registration carries the fields of a register/update request, shared
// between the HTTP surface and the MQTT bridge.
type Registration struct {
	DeviceID string          `json:"device_id,omitempty"`
	TempID   string          `json:"temp_id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Info     string          `json:"info,omitempty"`
	Category string          `json:"category,omitempty"`
	Offers   json.RawMessage `json:"offers,omitempty"`
}

// Bridge is the business logic behind the api/* topics. Each method
// mirrors one HTTP endpoint.
type Bridge interface {
	RegisterDevice(req Registration) (deviceID string, err error)
	UpdateDeviceInfo(req Registration) (deviceID string, err error)
	ReportValues(deviceID string, keyValues map[string]interface{}, tsSec, tsNsec int64, reportID string) error
	PostState(deviceID, currentState string, possibleStates []string) (state.Result, error)
}

type reportValuesRequest struct {
	DeviceID  string                 `json:"device_id"`
	KeyValues map[string]interface{} `json:"keyValues"`
	TsSec     int64                  `json:"s,omitempty"`
	TsNsec    int64                  `json:"ns,omitempty"`
	ReportID  string                 `json:"report_id,omitempty"`
}

type postStateRequest struct {
	DeviceID       string   `json:"device_id"`
	CurrentState   string   `json:"current_state"`
	PossibleStates []string `json:"possible_states"`
}

// dispatchBridge handles one message on an api/ topic. The operation's
// JSON result, or an {error: ...} payload, is published back on
// {correlation_id}/api/{operation}. The correlation id is the device id,
// except for the registration operations where a not-yet-registered
// device supplies an explicit temp_id.
func (r *Relay) dispatchBridge(operation string, payload []byte) {
	rlog := logrus.WithField("component", "bridge")

	if r.bridge == nil {
		rlog.Warnln("no bridge bound, dropping", operation)
		return
	}

	switch operation {
	case opRegisterDevice, opUpdateDeviceInfo:
		req := Registration{}
		if err := json.Unmarshal(payload, &req); err != nil {
			rlog.Warnln("invalid json payload on", operation)
			return
		}
		correlationID := req.TempID
		if correlationID == "" {
			correlationID = req.DeviceID
		}
		if correlationID == "" {
			// nowhere to send a response
			rlog.Warnln("dropping", operation, "without temp_id")
			return
		}
		var (
			deviceID string
			err      error
		)
		if operation == opRegisterDevice {
			deviceID, err = r.bridge.RegisterDevice(req)
		} else {
			deviceID, err = r.bridge.UpdateDeviceInfo(req)
		}
		if err != nil {
			r.replyError(correlationID, operation, err)
			return
		}
		r.reply(correlationID, operation, struct {
			DeviceID string `json:"device_id"`
		}{DeviceID: deviceID})

	case opReportValues:
		req := reportValuesRequest{}
		if err := unmarshalUseNumber(payload, &req); err != nil {
			rlog.Warnln("invalid json payload on", operation)
			return
		}
		if req.DeviceID == "" {
			rlog.Warnln("dropping", operation, "without device_id")
			return
		}
		err := r.bridge.ReportValues(req.DeviceID, req.KeyValues, req.TsSec, req.TsNsec, req.ReportID)
		if err != nil {
			r.replyError(req.DeviceID, operation, err)
			return
		}
		r.reply(req.DeviceID, operation, struct {
			Status string `json:"status"`
		}{Status: "ok"})

	case opPostState:
		req := postStateRequest{}
		if err := json.Unmarshal(payload, &req); err != nil {
			rlog.Warnln("invalid json payload on", operation)
			return
		}
		if req.DeviceID == "" {
			rlog.Warnln("dropping", operation, "without device_id")
			return
		}
		result, err := r.bridge.PostState(req.DeviceID, req.CurrentState, req.PossibleStates)
		if err != nil {
			r.replyError(req.DeviceID, operation, err)
			return
		}
		r.reply(req.DeviceID, operation, result)

	default:
		rlog.Warnln("unknown api operation:", operation)
	}
}

func (r *Relay) reply(correlationID, operation string, response interface{}) {
	payload, err := json.Marshal(response)
	if err != nil {
		logrus.WithError(err).Errorln("cannot marshal bridge response for", operation)
		return
	}
	wireTopic := correlationID + "/" + apiPrefix + operation
	if err := r.transport.Publish(wireTopic, payload, false); err != nil {
		logrus.WithError(err).Errorln("cannot publish bridge response on", wireTopic)
	}
}

func (r *Relay) replyError(correlationID, operation string, err error) {
	r.reply(correlationID, operation, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// unmarshalUseNumber decodes with json.Number so measurement values keep
// their int/float distinction.
func unmarshalUseNumber(payload []byte, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	return decoder.Decode(v)
}
