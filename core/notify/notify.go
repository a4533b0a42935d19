/*Package notify publishes device lifecycle events to interested consumers.

Events are best-effort: a failure to deliver is logged and never propagated
to the caller, a device registration must not fail because the event bus
is down.
*/
package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Event types raised by the device hub.
const (
	EventDeviceRegistered = "device.registered"
	EventDeviceUpdated    = "device.updated"
	EventDeviceDeleted    = "device.deleted"
	EventStateRequested   = "device.state.requested"
)

// Notifier receives device hub events. Implementations must not block the caller.
type Notifier interface {
	Notify(event string, deviceID string, payload interface{})
}

// KafkaNotifier publishes events to a Kafka topic, keyed by device id.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if len(brokers) == 0 {
		panic("brokers are missing")
	}
	if len(topic) == 0 {
		panic("topic is missing")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

type envelope struct {
	Event    string      `json:"event"`
	DeviceID string      `json:"device_id"`
	Time     time.Time   `json:"time"`
	Payload  interface{} `json:"payload,omitempty"`
}

// Notify publishes the event asynchronously.
func (n *KafkaNotifier) Notify(event string, deviceID string, payload interface{}) {
	body, err := json.Marshal(envelope{
		Event:    event,
		DeviceID: deviceID,
		Time:     time.Now().UTC(),
		Payload:  payload,
	})
	if err != nil {
		logrus.WithError(err).Errorln("cannot marshal event", event)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := n.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(deviceID),
			Value: body,
		})
		if err != nil {
			logrus.WithError(err).Errorln("cannot publish event", event)
		}
	}()
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
