// Package mqtt provides a transport backed by an external MQTT broker,
// for deployments that already run one.
package mqtt

import (
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicehub/iot"
)

// Client implements iot.Transport on top of an eclipse paho client.
//
// Subscriptions are tracked locally so they can be replayed when the
// client reconnects after a broker outage.
type Client struct {
	cli     paho.Client
	handler iot.MessageHandler

	mutex         sync.Mutex
	subscriptions map[string]bool
}

var _ iot.Transport = (*Client)(nil)

// MustNewClient connects to the broker at brokerURL and returns a ready
// transport. It retries the initial connect with exponential backoff and
// panics if the broker stays unreachable.
//
// Supported schemes: mqtt, tcp, ssl, tls, ws, wss. Credentials embedded
// in the URL are used for authentication.
func MustNewClient(brokerURL, clientID string) *Client {
	u, err := url.Parse(brokerURL)
	if err != nil {
		panic(err)
	}
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	if clientID == "" {
		clientID = "devicehub-" + time.Now().Format("150405.000")
	}

	c := &Client{subscriptions: make(map[string]bool)}

	opts := paho.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(pc paho.Client) {
		logrus.WithField("broker", server).Infoln("mqtt connected")
		c.resubscribe()
	})
	opts.SetConnectionLostHandler(func(pc paho.Client, err error) {
		logrus.WithError(err).Errorln("mqtt connection lost")
	})
	if u.User != nil {
		password, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(password)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	c.cli = paho.NewClient(opts)

	connect := func() error {
		token := c.cli.Connect()
		token.Wait()
		return token.Error()
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	if err := backoff.RetryNotify(connect, policy, func(err error, next time.Duration) {
		logrus.WithError(err).Warnf("mqtt connect failed, retry in %v", next)
	}); err != nil {
		panic(err)
	}
	return c
}

// HandleMessages installs the inbound handler. Must be called before the
// first Subscribe.
func (c *Client) HandleMessages(handler iot.MessageHandler) {
	c.handler = handler
}

// Subscribe adds topic to the subscription set. The subscription survives
// reconnects.
func (c *Client) Subscribe(topic string) error {
	c.mutex.Lock()
	c.subscriptions[topic] = true
	c.mutex.Unlock()
	return c.subscribe(topic)
}

func (c *Client) subscribe(topic string) error {
	token := c.cli.Subscribe(topic, 1, func(pc paho.Client, m paho.Message) {
		if c.handler != nil {
			c.handler(m.Topic(), m.Payload())
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	logrus.WithField("topic", topic).Debugln("mqtt subscribed")
	return nil
}

// Unsubscribe removes topic from the subscription set.
func (c *Client) Unsubscribe(topic string) error {
	c.mutex.Lock()
	delete(c.subscriptions, topic)
	c.mutex.Unlock()
	token := c.cli.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (c *Client) resubscribe() {
	c.mutex.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.mutex.Unlock()
	for _, topic := range topics {
		if err := c.subscribe(topic); err != nil {
			logrus.WithError(err).WithField("topic", topic).Errorln("mqtt resubscribe failed")
		}
	}
}

// Publish sends payload on topic with QoS 1.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.cli.Publish(topic, 1, retain, payload)
	token.Wait()
	return token.Error()
}

// PublishMessageQ1 publishes a message with QoS 1, dropping errors.
func (c *Client) PublishMessageQ1(topic string, payload []byte) {
	if err := c.Publish(topic, payload, false); err != nil {
		logrus.WithError(err).WithField("topic", topic).Errorln("mqtt publish failed")
	}
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.cli.IsConnectionOpen()
}

// Disconnect shuts the connection down, waiting up to 250ms for in-flight
// messages.
func (c *Client) Disconnect() {
	c.cli.Disconnect(250)
}
