// Package broker provides a transport backed by an embedded MQTT broker,
// for self-contained deployments without external broker infrastructure.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicehub/iot"
)

// Broker is an embedded MQTT broker implementing iot.Transport.
//
// Inbound messages on subscribed topics are intercepted on arrival and
// passed to the installed handler, no MQTT client loop is involved.
type Broker struct {
	p *plugin
}

var _ iot.Transport = (*Broker)(nil)

// Builder is a builder helper for the Broker
type Builder struct {
	// Addr is the TCP listen address, e.g. ":1883". This is mandatory.
	Addr string
	// CACertFile is the file path to the X.509 certificate of the certificate
	// authority. If set, clients must authenticate with a certificate whose
	// common name is their device ID, and CertFile and KeyFile become mandatory.
	CACertFile string
	// CertFile is the file path to the X.509 server certificate file.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln      net.Listener
	handler iot.MessageHandler

	mutex         sync.RWMutex
	subscriptions map[string]bool
	deviceIDs     map[net.Conn]uuid.UUID

	authenticate bool
	running      bool

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not accept connections
// until you call Run().
func NewBroker(bb *Builder) *Broker {
	if len(bb.Addr) == 0 {
		panic("listen address is missing")
	}

	p := &plugin{
		subscriptions: make(map[string]bool),
		deviceIDs:     make(map[net.Conn]uuid.UUID),
	}

	if len(bb.CACertFile) > 0 {
		if len(bb.CertFile) == 0 {
			panic("cert file missing")
		}
		if len(bb.KeyFile) == 0 {
			panic("key file missing")
		}
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			panic("cannot parse ca-cert file")
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ln, err := tls.Listen("tcp", bb.Addr, tlsConfig)
		if err != nil {
			panic(err)
		}
		p.ln = ln
		p.authenticate = true
	} else {
		ln, err := net.Listen("tcp", bb.Addr)
		if err != nil {
			panic(err)
		}
		p.ln = ln
	}

	return &Broker{p: p}
}

// Run starts the broker in the background. Use Stop for a graceful shutdown.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.mutex.Lock()
	b.p.running = true
	b.p.mutex.Unlock()
	logrus.WithField("addr", b.p.ln.Addr().String()).Infoln("broker started")
}

// Stop gracefully shuts the broker down.
func (b *Broker) Stop(ctx context.Context) {
	b.p.mutex.Lock()
	b.p.running = false
	service := b.p.service
	b.p.mutex.Unlock()
	// gmqtt.Server is the plugin-facing interface and does not declare Stop,
	// but the concrete server handed to Load implements it.
	if stopper, ok := service.(interface{ Stop(ctx context.Context) error }); ok {
		stopper.Stop(ctx)
	}
	logrus.Infoln("broker stopped")
}

// HandleMessages installs the inbound handler. Must be called before Run.
func (b *Broker) HandleMessages(handler iot.MessageHandler) {
	b.p.handler = handler
}

// Subscribe adds topic to the set of topics intercepted on arrival.
func (b *Broker) Subscribe(topic string) error {
	b.p.mutex.Lock()
	defer b.p.mutex.Unlock()
	b.p.subscriptions[topic] = true
	return nil
}

// Unsubscribe removes topic from the interception set.
func (b *Broker) Unsubscribe(topic string) error {
	b.p.mutex.Lock()
	defer b.p.mutex.Unlock()
	delete(b.p.subscriptions, topic)
	return nil
}

// Publish sends payload on topic with QoS 1.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	b.p.mutex.RLock()
	service := b.p.service
	running := b.p.running
	b.p.mutex.RUnlock()
	if service == nil || !running {
		return iot.TransportError{Reason: "broker is not running"}
	}
	if retain {
		// the embedded publish service does not retain messages
		logrus.WithField("topic", topic).Debugln("retain flag ignored")
	}
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	service.PublishService().Publish(msg)
	return nil
}

// PublishMessageQ1 publishes a message with QoS 1, dropping errors.
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	if err := b.Publish(topic, payload, false); err != nil {
		logrus.WithError(err).WithField("topic", topic).Errorln("broker publish failed")
	}
}

// Connected reports whether the broker is running.
func (b *Broker) Connected() bool {
	b.p.mutex.RLock()
	defer b.p.mutex.RUnlock()
	return b.p.running && b.p.service != nil
}

// Load implements the gmqtt plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.service = service
	return nil
}

// Unload implements the gmqtt plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements the gmqtt plugin interface
func (p *plugin) Name() string { return "devicehub broker" }

// HookWrapper implements the gmqtt plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) uuid.UUID {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	deviceID := p.deviceIDs[conn]
	return deviceID
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok && p.authenticate {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName

			commonNameAsUUID, err := uuid.Parse(commonName)
			if err != nil {
				logrus.Warnln("invalid device ID in certificate:", commonName)
				return false
			}

			p.mutex.Lock()
			p.deviceIDs[conn] = commonNameAsUUID
			p.mutex.Unlock()
			logrus.Debugln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate
// common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		if p.authenticate {
			deviceID := p.deviceIDFromConnection(client.Connection())
			if client.OptionsReader().ClientID() != deviceID.String() {
				logrus.Warnln("connect denied,", client.OptionsReader().ClientID(), "not authorized")
				return packets.CodeNotAuthorized
			}
		}
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy: authenticated devices may only
// subscribe below their own ID, which covers both their command topics and
// their api reply topics.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if p.authenticate {
			deviceID := client.OptionsReader().ClientID()
			if !strings.HasPrefix(topic.Name, deviceID+"/") {
				logrus.Warnln("subscribe denied,", deviceID, topic.Name)
				return packets.SUBSCRIBE_FAILURE
			}
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper intercepts messages on subscribed topics and hands
// them to the installed handler. Messages are still routed to MQTT
// subscribers afterwards.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		p.mutex.RLock()
		subscribed := p.subscriptions[topic]
		handler := p.handler
		p.mutex.RUnlock()
		if subscribed && handler != nil {
			handler(topic, msg.Payload())
		}
		return arrived(ctx, client, msg)
	}
}
