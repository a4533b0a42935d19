package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/devicehub/core/logger"
	"github.com/relabs-tech/devicehub/core/notify"
	"github.com/relabs-tech/devicehub/iot"
	"github.com/relabs-tech/devicehub/iot/relay"
)

// handleRoutes adds handlers for all API routes
func (s *Service) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("api: handle route /api/registerDevice POST")
	rlog.Infoln("api: handle route /api/updateDeviceInfo POST")
	rlog.Infoln("api: handle route /api/reportValues POST")
	rlog.Infoln("api: handle route /api/post/state POST")
	rlog.Infoln("api: handle route /api/get/state GET")
	rlog.Infoln("api: handle route /api/devices GET")
	rlog.Infoln("api: handle route /api/devices/{device_id} DELETE")
	rlog.Infoln("api: handle route /api/devices/{device_id}/state/request PUT")
	rlog.Infoln("api: handle route /api/devices/{device_id}/topics/{topic}/latest GET")
	rlog.Infoln("api: handle route /api/devices/{device_id}/topics/{topic}/history GET")
	rlog.Infoln("api: handle route /api/devices/{device_id}/measurements GET")
	rlog.Infoln("api: handle route /api/devices/{device_id}/reports GET")
	rlog.Infoln("api: handle route /api/devices/{device_id}/measurements/{key} GET")
	rlog.Infoln("api: handle route /api/send/mqtt POST")
	rlog.Infoln("api: handle route /api/admin/resetDevice POST")
	rlog.Infoln("api: handle route /api/ping GET")
	rlog.Infoln("api: handle route /api/time GET")

	router.HandleFunc("/api/registerDevice", func(w http.ResponseWriter, r *http.Request) {
		req := relay.Registration{}
		if !decodeBody(w, r, &req) {
			return
		}
		deviceID, err := s.RegisterDevice(req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, struct {
			DeviceID string `json:"device_id"`
		}{DeviceID: deviceID})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/updateDeviceInfo", func(w http.ResponseWriter, r *http.Request) {
		req := relay.Registration{}
		if !decodeBody(w, r, &req) {
			return
		}
		deviceID, err := s.UpdateDeviceInfo(req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, struct {
			DeviceID string `json:"device_id"`
		}{DeviceID: deviceID})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/reportValues", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		req := struct {
			DeviceID  string                 `json:"device_id"`
			KeyValues map[string]interface{} `json:"keyValues"`
			TsSec     int64                  `json:"s"`
			TsNsec    int64                  `json:"ns"`
			ReportID  string                 `json:"report_id"`
		}{}
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.UseNumber()
		if err := decoder.Decode(&req); err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		if err := s.ReportValues(req.DeviceID, req.KeyValues, req.TsSec, req.TsNsec, req.ReportID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, struct {
			Status string `json:"status"`
		}{Status: "ok"})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/post/state", func(w http.ResponseWriter, r *http.Request) {
		req := struct {
			DeviceID       string   `json:"device_id"`
			CurrentState   string   `json:"current_state"`
			PossibleStates []string `json:"possible_states"`
		}{}
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := s.PostState(req.DeviceID, req.CurrentState, req.PossibleStates)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, result)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/get/state", func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device_id")
		row, err := s.negotiator.GetState(deviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, row)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		devices, err := s.devices.List()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, devices)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		if err := s.relay.DeviceRemoved(deviceID); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.devices.Delete(deviceID); err != nil {
			writeError(w, r, err)
			return
		}
		s.notify(notify.EventDeviceDeleted, deviceID, nil)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/api/devices/{device_id}/state/request", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		req := struct {
			RequestedState string `json:"requested_state"`
			Start          int64  `json:"requested_state_start"`
			Expire         int64  `json:"requested_state_expire"`
		}{}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.negotiator.SetRequestedState(deviceID, req.RequestedState, req.Start, req.Expire); err != nil {
			writeError(w, r, err)
			return
		}
		s.notify(notify.EventStateRequested, deviceID, req)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/api/devices/{device_id}/topics/{topic}/latest", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		payload, err := s.relay.LatestPayload(params["device_id"], params["topic"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, payload)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices/{device_id}/topics/{topic}/history", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		limit := 100
		if l := r.URL.Query().Get("limit"); l != "" {
			parsed, err := strconv.Atoi(l)
			if err != nil || parsed < 1 {
				http.Error(w, "illegal parameter 'limit'", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		payloads, err := s.relay.PayloadHistory(params["device_id"], params["topic"], limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, payloads)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices/{device_id}/measurements", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		keys, err := s.measurements.Keys(deviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, keys)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices/{device_id}/reports", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		ids, err := s.measurements.ReportIDs(deviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, ids)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices/{device_id}/measurements/{key}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		points, err := s.measurements.TimeSeries(params["device_id"], params["key"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, points)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/send/mqtt", func(w http.ResponseWriter, r *http.Request) {
		req := struct {
			DeviceID string                 `json:"device_id"`
			Topic    string                 `json:"topic"`
			Values   map[string]interface{} `json:"values"`
		}{}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DeviceID == "" || req.Topic == "" || len(req.Values) == 0 {
			http.Error(w, "missing or invalid parameters", http.StatusBadRequest)
			return
		}
		if err := s.relay.PublishSet(req.DeviceID, req.Topic, req.Values); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, struct {
			Success bool `json:"success"`
		}{Success: true})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/admin/resetDevice", func(w http.ResponseWriter, r *http.Request) {
		req := struct {
			DeviceID string `json:"device_id"`
		}{}
		if !decodeBody(w, r, &req) {
			return
		}
		exists, err := s.devices.Exists(req.DeviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !exists {
			writeError(w, r, iot.NotFoundError{What: "device " + req.DeviceID})
			return
		}
		if err := s.flags.Write(resetDeviceKey, req.DeviceID); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			Status string `json:"status"`
		}{Status: "pong"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/time", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		writeJSON(w, struct {
			TsSec  int64 `json:"s"`
			TsNsec int64 `json:"ns"`
		}{TsSec: now.Unix(), TsNsec: int64(now.Nanosecond())})
	}).Methods(http.MethodGet)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())
	switch {
	case iot.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case iot.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case iot.IsTransport(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		rlog.WithError(err).Errorln("internal error")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
