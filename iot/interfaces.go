package iot

// MessagePublisher is an interface to publish MQTT messages
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// MessageHandler receives inbound messages from a Transport.
type MessageHandler func(topic string, payload []byte)

// Transport is a publish/subscribe transport with a single inbound
// message handler. Publish and Subscribe are fire-and-forget from the
// caller's perspective, no acknowledgment beyond transport-level QoS
// is awaited.
type Transport interface {
	MessagePublisher

	// Publish sends a payload on topic, optionally retained by the broker.
	Publish(topic string, payload []byte, retain bool) error
	// Subscribe adds topic to the inbound subscription set.
	Subscribe(topic string) error
	// Unsubscribe removes topic from the inbound subscription set.
	Unsubscribe(topic string) error
	// HandleMessages installs the inbound handler. Must be called before
	// the transport is started.
	HandleMessages(handler MessageHandler)
	// Connected reports whether the transport currently has a live broker
	// connection (for the embedded broker: whether it is running).
	Connected() bool
}
