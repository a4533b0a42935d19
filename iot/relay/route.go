package relay

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// wireAddress is a parsed three-segment wire topic
// {device_id}/{topic_name}/{endpoint}.
type wireAddress struct {
	DeviceID  string
	TopicName string
	Endpoint  string
}

func parseWireTopic(topic string) (wireAddress, bool) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return wireAddress{}, false
	}
	return wireAddress{DeviceID: parts[0], TopicName: parts[1], Endpoint: parts[2]}, true
}

// onMessage is the transport's inbound handler. Every failure drops the
// message with a log line; nothing here may crash the process or block
// the transport.
func (r *Relay) onMessage(topic string, payload []byte) {
	rlog := logrus.WithField("component", "relay")

	if strings.HasPrefix(topic, apiPrefix) {
		r.dispatchBridge(strings.TrimPrefix(topic, apiPrefix), payload)
		return
	}

	address, ok := parseWireTopic(topic)
	if !ok {
		rlog.Warnln("invalid topic format:", topic)
		return
	}

	// devices only ever publish state, set commands flow hub to device
	if address.Endpoint != "state" {
		rlog.Warnln("unsupported endpoint:", topic)
		return
	}

	if !json.Valid(payload) {
		rlog.Warnln("invalid json payload on", topic)
		return
	}

	exists, err := r.devices.Exists(address.DeviceID)
	if err != nil {
		rlog.WithError(err).Errorln("cannot check device", address.DeviceID)
		return
	}
	if !exists {
		// no auto-registration from state messages
		rlog.Warnln("unknown device:", address.DeviceID)
		return
	}

	topicID, hasState, err := r.lookupTopic(address.DeviceID, address.TopicName)
	if err != nil || !hasState {
		rlog.Warnln("state update for unknown topic:", topic)
		return
	}

	if err := r.appendPayload(topicID, address.DeviceID, payload); err != nil {
		rlog.WithError(err).Errorln("cannot store payload for", topic)
	}
}
