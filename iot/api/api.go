/*Package api provides the RESTful interface of the device hub

It also implements the business logic shared with the MQTT API bridge:
device registration with offer application, measurement reports and
state reports arrive either over HTTP or over the api/* topics and run
through the same code.
*/
package api

import (
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/devicehub/core/notify"
	"github.com/relabs-tech/devicehub/core/registry"
	"github.com/relabs-tech/devicehub/iot"
	"github.com/relabs-tech/devicehub/iot/device"
	"github.com/relabs-tech/devicehub/iot/measurement"
	"github.com/relabs-tech/devicehub/iot/offers"
	"github.com/relabs-tech/devicehub/iot/relay"
	"github.com/relabs-tech/devicehub/iot/state"
)

// resetDeviceKey is the registry key of the staged reset-device id. An
// admin stages a device id, the next successful registration replaces
// that device instead of creating a new one, and the flag is cleared.
const resetDeviceKey = "reset_device"

// Service is the REST interface of the device hub.
type Service struct {
	devices      *device.Directory
	negotiator   *state.Negotiator
	relay        *relay.Relay
	measurements *measurement.Store
	parser       *offers.Parser
	kinds        *offers.Registry
	flags        registry.Accessor
	notifier     notify.Notifier
}

// Builder is a builder helper for the Service
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Devices is the device directory. This is mandatory.
	Devices *device.Directory
	// Negotiator is the state negotiator. This is mandatory.
	Negotiator *state.Negotiator
	// Relay is the topic relay. This is mandatory.
	Relay *relay.Relay
	// Measurements is the measurement store. This is mandatory.
	Measurements *measurement.Store
	// Flags is a registry accessor for runtime flags. This is mandatory.
	Flags registry.Accessor
	// Notifier receives lifecycle events. This is optional.
	Notifier notify.Notifier
}

// NewService realizes the API. It adds routes to the router, registers
// the MQTT offer kind and binds itself as the relay's API bridge.
func NewService(b *Builder) *Service {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Devices == nil {
		panic("Devices are missing")
	}
	if b.Negotiator == nil {
		panic("Negotiator is missing")
	}
	if b.Relay == nil {
		panic("Relay is missing")
	}
	if b.Measurements == nil {
		panic("Measurements are missing")
	}

	kinds := offers.NewRegistry()
	kinds.Register(offers.KindMQTT, b.Relay)

	s := &Service{
		devices:      b.Devices,
		negotiator:   b.Negotiator,
		relay:        b.Relay,
		measurements: b.Measurements,
		parser:       offers.NewParser(),
		kinds:        kinds,
		flags:        b.Flags,
		notifier:     b.Notifier,
	}
	b.Relay.BindBridge(s)
	s.handleRoutes(b.Router)
	return s
}

// RegisterDevice registers a new device or re-registers a known one,
// applying its offers. When no device id is supplied a fresh one is
// generated; the device must remember it for all future calls.
//
// When a reset device is staged, the registration replaces that device
// instead and the flag is cleared.
func (s *Service) RegisterDevice(req relay.Registration) (string, error) {
	parsed, err := s.parser.Parse(req.Offers)
	if err != nil {
		return "", err
	}

	var resetID string
	if _, err := s.flags.Read(resetDeviceKey, &resetID); err != nil {
		return "", err
	}
	if resetID != "" {
		exists, err := s.devices.Exists(resetID)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", iot.NotFoundError{What: "reset device " + resetID}
		}
		if err := s.updateExisting(resetID, req, parsed); err != nil {
			return "", err
		}
		if err := s.flags.Delete(resetDeviceKey); err != nil {
			return "", err
		}
		s.notify(notify.EventDeviceUpdated, resetID, nil)
		return resetID, nil
	}

	deviceID := req.DeviceID
	if deviceID != "" {
		exists, err := s.devices.Exists(deviceID)
		if err != nil {
			return "", err
		}
		if exists {
			// re-registration of a hardcoded id, treat as update
			if err := s.updateExisting(deviceID, req, parsed); err != nil {
				return "", err
			}
			s.notify(notify.EventDeviceUpdated, deviceID, nil)
			return deviceID, nil
		}
	} else {
		deviceID = device.NewDeviceID()
	}

	err = s.devices.Add(device.Device{
		DeviceID: deviceID,
		Name:     req.Name,
		Info:     req.Info,
		Category: req.Category,
	})
	if err != nil {
		return "", err
	}
	if err := s.kinds.Apply(deviceID, parsed); err != nil {
		// offers failed, the registration as a whole must not stick
		s.devices.Delete(deviceID)
		return "", err
	}
	s.notify(notify.EventDeviceRegistered, deviceID, nil)
	return deviceID, nil
}

// UpdateDeviceInfo updates info and offers of an existing device.
func (s *Service) UpdateDeviceInfo(req relay.Registration) (string, error) {
	if req.DeviceID == "" {
		return "", iot.Validationf("device_id is missing")
	}
	parsed, err := s.parser.Parse(req.Offers)
	if err != nil {
		return "", err
	}
	exists, err := s.devices.Exists(req.DeviceID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", iot.NotFoundError{What: "device " + req.DeviceID}
	}
	if err := s.updateExisting(req.DeviceID, req, parsed); err != nil {
		return "", err
	}
	s.notify(notify.EventDeviceUpdated, req.DeviceID, nil)
	return req.DeviceID, nil
}

func (s *Service) updateExisting(deviceID string, req relay.Registration, parsed []offers.Offer) error {
	if err := s.devices.Update(deviceID, req.Name, req.Info, req.Category); err != nil {
		return err
	}
	if err := s.kinds.Apply(deviceID, parsed); err != nil {
		return err
	}
	return s.devices.TouchLastSeen(deviceID)
}

// ReportValues stores one batch of measurements for a device.
func (s *Service) ReportValues(deviceID string, keyValues map[string]interface{}, tsSec, tsNsec int64, reportID string) error {
	if deviceID == "" {
		return iot.Validationf("device_id is missing")
	}
	exists, err := s.devices.Exists(deviceID)
	if err != nil {
		return err
	}
	if !exists {
		return iot.NotFoundError{What: "device " + deviceID}
	}
	if len(keyValues) == 0 {
		return iot.Validationf("no keyValues")
	}
	if tsSec == 0 {
		now := time.Now()
		tsSec = now.Unix()
		tsNsec = int64(now.Nanosecond())
	}
	measurements := make([]measurement.Measurement, 0, len(keyValues))
	for key, value := range keyValues {
		measurements = append(measurements, measurement.Measurement{
			DeviceID: deviceID,
			TsSec:    tsSec,
			TsNsec:   tsNsec,
			Key:      key,
			Value:    measurement.Classify(value),
			ReportID: reportID,
		})
	}
	if err := s.measurements.InsertBatch(measurements); err != nil {
		return err
	}
	return s.devices.TouchLastSeen(deviceID)
}

// PostState runs one state report through the negotiator.
func (s *Service) PostState(deviceID, currentState string, possibleStates []string) (state.Result, error) {
	if deviceID == "" {
		return state.Result{}, iot.Validationf("device_id is missing")
	}
	exists, err := s.devices.Exists(deviceID)
	if err != nil {
		return state.Result{}, err
	}
	if !exists {
		return state.Result{}, iot.NotFoundError{What: "device " + deviceID}
	}
	result, err := s.negotiator.Reconcile(deviceID, currentState, possibleStates)
	if err != nil {
		return state.Result{}, err
	}
	if err := s.devices.TouchLastSeen(deviceID); err != nil {
		return state.Result{}, err
	}
	return result, nil
}

func (s *Service) notify(event, deviceID string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(event, deviceID, payload)
}
