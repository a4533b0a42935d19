package test

import (
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/devicehub/iot/device"
	"github.com/relabs-tech/devicehub/iot/relay"
	"github.com/relabs-tech/devicehub/iot/state"
)

type DeviceHubTestSuite struct {
	IntegrationTestSuite
}

func TestDeviceHubTestSuite(t *testing.T) {
	ts := &DeviceHubTestSuite{}
	suite.Run(t, ts)
}

var rgbOffers = json.RawMessage(`[
	{
		"MQTT": [
			{
				"topic": "rgbLight",
				"keys": [
					{"key_name": "red", "value_type": "int", "min_value": 0, "max_value": 255},
					{"key_name": "green", "value_type": "int", "min_value": 0, "max_value": 255},
					{"key_name": "blue", "value_type": "int", "min_value": 0, "max_value": 255}
				]
			},
			{
				"topic": "mode",
				"endpoints": ["set"],
				"keys": [
					{"key_name": "mode", "value_type": "enum", "enum_values": ["auto", "manual"]}
				]
			}
		]
	}
]`)

var thermometerOffers = json.RawMessage(`[
	{
		"MQTT": [
			{
				"topic": "temperature",
				"endpoints": ["state"],
				"keys": [
					{"key_name": "celsius", "value_type": "float"}
				]
			}
		]
	}
]`)

func (s *DeviceHubTestSuite) register(reg relay.Registration) string {
	response := struct {
		DeviceID string `json:"device_id"`
	}{}
	resp := s.postJSON("/api/registerDevice", reg, &response)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().NotEmpty(response.DeviceID)
	return response.DeviceID
}

func (s *DeviceHubTestSuite) TestRegisterDevice() {
	deviceID := s.register(relay.Registration{
		Name:     "living room light",
		Category: "light",
		Offers:   rgbOffers,
	})

	// declared endpoints become wire subscriptions
	s.True(s.transport.Subscribed(deviceID + "/rgbLight/set"))
	s.True(s.transport.Subscribed(deviceID + "/rgbLight/state"))
	s.True(s.transport.Subscribed(deviceID + "/mode/set"))
	s.False(s.transport.Subscribed(deviceID+"/mode/state"), "mode offers no state endpoint")

	var devices []device.Device
	resp := s.getJSON("/api/devices", &devices)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	found := false
	for _, d := range devices {
		if d.DeviceID == deviceID {
			found = true
			s.Equal("living room light", d.Name)
			s.Equal("light", d.Category)
		}
	}
	s.True(found)
}

func (s *DeviceHubTestSuite) TestRegisterDeviceInvalidOffers() {
	badOffers := json.RawMessage(`[{"MQTT": [{"topic": "a/b", "keys": [{"key_name": "x", "value_type": "int"}]}]}]`)
	resp := s.postJSON("/api/registerDevice", relay.Registration{Offers: badOffers}, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	// an all-or-nothing failure must not leave a half-registered device
	var devices []device.Device
	s.getJSON("/api/devices", &devices)
	for _, d := range devices {
		s.NotEmpty(d.DeviceID)
	}
}

func (s *DeviceHubTestSuite) TestReRegisterReplacesOffers() {
	deviceID := s.register(relay.Registration{Name: "morph", Offers: rgbOffers})
	s.True(s.transport.Subscribed(deviceID + "/rgbLight/state"))

	response := struct {
		DeviceID string `json:"device_id"`
	}{}
	resp := s.postJSON("/api/registerDevice", relay.Registration{
		DeviceID: deviceID,
		Offers:   thermometerOffers,
	}, &response)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(deviceID, response.DeviceID)

	// offers replace, they do not merge
	s.False(s.transport.Subscribed(deviceID + "/rgbLight/state"))
	s.True(s.transport.Subscribed(deviceID + "/temperature/state"))
}

func (s *DeviceHubTestSuite) TestInboundPayloadStored() {
	deviceID := s.register(relay.Registration{Name: "sensor", Offers: thermometerOffers})

	s.transport.Receive(deviceID+"/temperature/state", []byte(`{"celsius": 21.5}`))

	var latest relay.Payload
	resp := s.getJSON("/api/devices/"+deviceID+"/topics/temperature/latest", &latest)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"celsius": 21.5}`, string(latest.Payload))
	s.NotZero(latest.TimeSeconds)

	s.transport.Receive(deviceID+"/temperature/state", []byte(`{"celsius": 22.0}`))

	var history []relay.Payload
	resp = s.getJSON("/api/devices/"+deviceID+"/topics/temperature/history", &history)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(history, 2)
	// newest first
	s.JSONEq(`{"celsius": 22.0}`, string(history[0].Payload))
}

func (s *DeviceHubTestSuite) TestInboundPayloadDropped() {
	deviceID := s.register(relay.Registration{Name: "drops", Offers: thermometerOffers})

	// undeclared topic
	s.transport.Receive(deviceID+"/humidity/state", []byte(`{"percent": 40}`))
	resp := s.getJSON("/api/devices/"+deviceID+"/topics/humidity/latest", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	// invalid JSON on a declared topic
	s.transport.Receive(deviceID+"/temperature/state", []byte(`{not json`))
	resp = s.getJSON("/api/devices/"+deviceID+"/topics/temperature/latest", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	// unknown device
	s.transport.Receive("no-such-device/temperature/state", []byte(`{"celsius": 1}`))

	// malformed wire topic
	s.transport.Receive("one/segment/too/many", []byte(`{}`))

	// set traffic is observed but never persisted
	lampID := s.register(relay.Registration{Name: "lamp", Offers: rgbOffers})
	s.transport.Receive(lampID+"/rgbLight/set", []byte(`{"red": 1}`))
	resp = s.getJSON("/api/devices/"+lampID+"/topics/rgbLight/latest", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *DeviceHubTestSuite) TestSendMQTT() {
	deviceID := s.register(relay.Registration{Name: "lamp", Offers: rgbOffers})
	s.transport.Reset()

	body := map[string]interface{}{
		"device_id": deviceID,
		"topic":     "rgbLight",
		"values":    map[string]interface{}{"red": 255, "green": 128, "blue": 0},
	}
	resp := s.postJSON("/api/send/mqtt", body, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	published := s.transport.Published(deviceID + "/rgbLight/set")
	s.Require().Len(published, 1)
	s.JSONEq(`{"red": 255, "green": 128, "blue": 0}`, string(published[0].Payload))

	// out of bounds
	body["values"] = map[string]interface{}{"red": 300}
	resp = s.postJSON("/api/send/mqtt", body, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	// undeclared key
	body["values"] = map[string]interface{}{"alpha": 1}
	resp = s.postJSON("/api/send/mqtt", body, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	// enum outside its values
	body["topic"] = "mode"
	body["values"] = map[string]interface{}{"mode": "party"}
	resp = s.postJSON("/api/send/mqtt", body, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	// unknown topic
	body["topic"] = "nope"
	body["values"] = map[string]interface{}{"x": 1}
	resp = s.postJSON("/api/send/mqtt", body, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	// transport down
	s.transport.SetConnected(false)
	body["topic"] = "rgbLight"
	body["values"] = map[string]interface{}{"red": 1}
	resp = s.postJSON("/api/send/mqtt", body, nil)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	s.transport.SetConnected(true)
}

func (s *DeviceHubTestSuite) TestStateNegotiation() {
	deviceID := s.register(relay.Registration{Name: "negotiator"})
	possible := []string{"on", "off", "standby"}

	// no pending request, current state is confirmed
	var result state.Result
	resp := s.postJSON("/api/post/state", map[string]interface{}{
		"device_id": deviceID, "current_state": "on", "possible_states": possible,
	}, &result)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("on", result.State)

	// operator requests a transition
	resp = s.putJSON("/api/devices/"+deviceID+"/state/request", map[string]interface{}{
		"requested_state": "off",
	})
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	// live request is handed back, repeatedly
	for i := 0; i < 2; i++ {
		s.postJSON("/api/post/state", map[string]interface{}{
			"device_id": deviceID, "current_state": "on", "possible_states": possible,
		}, &result)
		s.Equal("off", result.State)
		s.Equal("off", result.Debug.RequestedState)
	}

	// device adopts, request clears
	s.postJSON("/api/post/state", map[string]interface{}{
		"device_id": deviceID, "current_state": "off", "possible_states": possible,
	}, &result)
	s.Equal("off", result.State)

	var row state.Row
	s.getJSON("/api/get/state?device_id="+deviceID, &row)
	s.Equal("off", row.CurrentState)
	s.Empty(row.RequestedState)
}

func (s *DeviceHubTestSuite) TestStateRequestWindow() {
	deviceID := s.register(relay.Registration{Name: "windows"})
	possible := []string{"on", "off"}
	now := time.Now().Unix()

	var result state.Result
	s.postJSON("/api/post/state", map[string]interface{}{
		"device_id": deviceID, "current_state": "on", "possible_states": possible,
	}, &result)

	// expired request is cleared, current state confirmed
	resp := s.putJSON("/api/devices/"+deviceID+"/state/request", map[string]interface{}{
		"requested_state": "off", "requested_state_expire": now - 10,
	})
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)
	s.postJSON("/api/post/state", map[string]interface{}{
		"device_id": deviceID, "current_state": "on", "possible_states": possible,
	}, &result)
	s.Equal("on", result.State)

	var row state.Row
	s.getJSON("/api/get/state?device_id="+deviceID, &row)
	s.Empty(row.RequestedState, "expired request is cleared")

	// not-yet-started request is cleared too
	s.putJSON("/api/devices/"+deviceID+"/state/request", map[string]interface{}{
		"requested_state": "off", "requested_state_start": now + 3600,
	})
	s.postJSON("/api/post/state", map[string]interface{}{
		"device_id": deviceID, "current_state": "on", "possible_states": possible,
	}, &result)
	s.Equal("on", result.State)

	// request outside the device vocabulary stays pending
	s.putJSON("/api/devices/"+deviceID+"/state/request", map[string]interface{}{
		"requested_state": "hibernate",
	})
	s.postJSON("/api/post/state", map[string]interface{}{
		"device_id": deviceID, "current_state": "on", "possible_states": possible,
	}, &result)
	s.Equal("on", result.State, "unadoptable request falls back to current state")
	s.getJSON("/api/get/state?device_id="+deviceID, &row)
	s.Equal("hibernate", row.RequestedState, "unadoptable request stays pending")
}

func (s *DeviceHubTestSuite) TestStateRequestUnknownDevice() {
	resp := s.putJSON("/api/devices/no-such-device/state/request", map[string]interface{}{
		"requested_state": "off",
	})
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *DeviceHubTestSuite) TestReportValues() {
	deviceID := s.register(relay.Registration{Name: "reporter"})

	resp := s.postJSON("/api/reportValues", map[string]interface{}{
		"device_id": deviceID,
		"keyValues": map[string]interface{}{
			"temperature": 21.5,
			"uptime":      3600,
			"status":      "ok",
			"charging":    true,
		},
		"report_id": "boot-1",
	}, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var keys []string
	s.getJSON("/api/devices/"+deviceID+"/measurements", &keys)
	s.ElementsMatch([]string{"charging", "status", "temperature", "uptime"}, keys)

	var reports []string
	s.getJSON("/api/devices/"+deviceID+"/reports", &reports)
	s.Equal([]string{"boot-1"}, reports)

	var points []struct {
		TsSec int64       `json:"s"`
		Value interface{} `json:"value"`
	}
	s.getJSON("/api/devices/"+deviceID+"/measurements/temperature", &points)
	s.Require().Len(points, 1)
	s.Equal(21.5, points[0].Value)
	s.NotZero(points[0].TsSec)

	// integers survive as integers
	s.getJSON("/api/devices/"+deviceID+"/measurements/uptime", &points)
	s.Require().Len(points, 1)
	s.EqualValues(3600, points[0].Value)

	// empty keyValues are rejected
	resp = s.postJSON("/api/reportValues", map[string]interface{}{
		"device_id": deviceID,
		"keyValues": map[string]interface{}{},
	}, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *DeviceHubTestSuite) TestBridgeRegisterAndPostState() {
	tempID := "temp-4711"
	payload, _ := json.Marshal(relay.Registration{
		TempID: tempID,
		Name:   "over mqtt",
		Offers: thermometerOffers,
	})
	s.transport.Reset()
	s.transport.Receive("api/registerDevice", payload)

	replies := s.transport.Published(tempID + "/api/registerDevice")
	s.Require().Len(replies, 1)
	response := struct {
		DeviceID string `json:"device_id"`
	}{}
	s.Require().NoError(json.Unmarshal(replies[0].Payload, &response))
	s.Require().NotEmpty(response.DeviceID)
	deviceID := response.DeviceID
	s.True(s.transport.Subscribed(deviceID + "/temperature/state"))

	// post state over the bridge, reply goes to the device id
	payload, _ = json.Marshal(map[string]interface{}{
		"device_id": deviceID, "current_state": "measuring", "possible_states": []string{"measuring", "idle"},
	})
	s.transport.Receive("api/post/state", payload)
	replies = s.transport.Published(deviceID + "/api/post/state")
	s.Require().Len(replies, 1)
	var result state.Result
	s.Require().NoError(json.Unmarshal(replies[0].Payload, &result))
	s.Equal("measuring", result.State)

	// report values over the bridge
	payload, _ = json.Marshal(map[string]interface{}{
		"device_id": deviceID,
		"keyValues": map[string]interface{}{"celsius": 19.5},
	})
	s.transport.Receive("api/reportValues", payload)
	replies = s.transport.Published(deviceID + "/api/reportValues")
	s.Require().Len(replies, 1)
	s.JSONEq(`{"status": "ok"}`, string(replies[0].Payload))

	// errors come back as error payloads
	payload, _ = json.Marshal(map[string]interface{}{
		"device_id": "no-such-device",
		"keyValues": map[string]interface{}{"celsius": 1},
	})
	s.transport.Receive("api/reportValues", payload)
	replies = s.transport.Published("no-such-device/api/reportValues")
	s.Require().Len(replies, 1)
	s.Contains(string(replies[0].Payload), "error")
}

func (s *DeviceHubTestSuite) TestResetDevice() {
	deviceID := s.register(relay.Registration{Name: "flaky", Offers: thermometerOffers})

	resp := s.postJSON("/api/admin/resetDevice", map[string]interface{}{
		"device_id": deviceID,
	}, nil)
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	// the next registration without a device id replaces the staged device
	response := struct {
		DeviceID string `json:"device_id"`
	}{}
	resp = s.postJSON("/api/registerDevice", relay.Registration{
		Name:   "flaky reborn",
		Offers: rgbOffers,
	}, &response)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(deviceID, response.DeviceID, "reset registration keeps the device id")

	d, err := s.devices.Get(deviceID)
	s.Require().NoError(err)
	s.Equal("flaky reborn", d.Name)
	s.True(s.transport.Subscribed(deviceID + "/rgbLight/state"))
	s.False(s.transport.Subscribed(deviceID+"/temperature/state"), "old offers are replaced")

	// flag is cleared, the next registration creates a fresh device
	freshID := s.register(relay.Registration{Name: "fresh"})
	s.NotEqual(deviceID, freshID)
}

func (s *DeviceHubTestSuite) TestResetDeviceUnknown() {
	resp := s.postJSON("/api/admin/resetDevice", map[string]interface{}{
		"device_id": "no-such-device",
	}, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *DeviceHubTestSuite) TestDeleteDevice() {
	deviceID := s.register(relay.Registration{Name: "doomed", Offers: thermometerOffers})
	s.transport.Receive(deviceID+"/temperature/state", []byte(`{"celsius": 3}`))

	resp := s.delete("/api/devices/" + deviceID)
	s.Require().Equal(http.StatusNoContent, resp.StatusCode)

	s.False(s.transport.Subscribed(deviceID + "/temperature/state"))

	exists, err := s.devices.Exists(deviceID)
	s.Require().NoError(err)
	s.False(exists)

	// cascades removed the stored payloads
	resp = s.getJSON("/api/devices/"+deviceID+"/topics/temperature/latest", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *DeviceHubTestSuite) TestUpdateDeviceInfo() {
	deviceID := s.register(relay.Registration{Name: "old name", Info: "v1", Offers: thermometerOffers})

	response := struct {
		DeviceID string `json:"device_id"`
	}{}
	resp := s.postJSON("/api/updateDeviceInfo", relay.Registration{
		DeviceID: deviceID,
		Name:     "new name",
		Offers:   rgbOffers,
	}, &response)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(deviceID, response.DeviceID)

	d, err := s.devices.Get(deviceID)
	s.Require().NoError(err)
	s.Equal("new name", d.Name)
	s.Equal("v1", d.Info, "empty fields keep their stored value")

	s.True(s.transport.Subscribed(deviceID + "/rgbLight/state"))

	// unknown devices cannot be updated
	resp = s.postJSON("/api/updateDeviceInfo", relay.Registration{
		DeviceID: "no-such-device",
		Name:     "ghost",
	}, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *DeviceHubTestSuite) TestPing() {
	response := struct {
		Status string `json:"status"`
	}{}
	resp := s.getJSON("/api/ping", &response)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("pong", response.Status)

	clock := struct {
		TsSec int64 `json:"s"`
	}{}
	s.getJSON("/api/time", &clock)
	s.InDelta(time.Now().Unix(), clock.TsSec, 5)
}
