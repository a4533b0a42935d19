package test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/devicehub/core/csql"
	"github.com/relabs-tech/devicehub/core/keylock"
	"github.com/relabs-tech/devicehub/core/logger"
	"github.com/relabs-tech/devicehub/core/registry"
	"github.com/relabs-tech/devicehub/iot"
	"github.com/relabs-tech/devicehub/iot/api"
	"github.com/relabs-tech/devicehub/iot/device"
	"github.com/relabs-tech/devicehub/iot/measurement"
	"github.com/relabs-tech/devicehub/iot/relay"
	"github.com/relabs-tech/devicehub/iot/state"
)

// published is one recorded outbound message.
type published struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// fakeTransport implements iot.Transport in memory. Inbound messages are
// injected with Receive, outbound messages are recorded.
type fakeTransport struct {
	mutex         sync.Mutex
	handler       iot.MessageHandler
	subscriptions map[string]bool
	messages      []published
	connected     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subscriptions: make(map[string]bool),
		connected:     true,
	}
}

func (f *fakeTransport) HandleMessages(handler iot.MessageHandler) {
	f.handler = handler
}

func (f *fakeTransport) Subscribe(topic string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.subscriptions[topic] = true
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.subscriptions, topic)
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte, retain bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.connected {
		return iot.TransportError{Reason: "not connected"}
	}
	f.messages = append(f.messages, published{Topic: topic, Payload: payload, Retain: retain})
	return nil
}

func (f *fakeTransport) PublishMessageQ1(topic string, payload []byte) {
	f.Publish(topic, payload, false)
}

func (f *fakeTransport) Connected() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.connected
}

func (f *fakeTransport) SetConnected(connected bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.connected = connected
}

// Receive injects an inbound message as if a device had published it.
func (f *fakeTransport) Receive(topic string, payload []byte) {
	f.handler(topic, payload)
}

func (f *fakeTransport) Subscribed(topic string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.subscriptions[topic]
}

// Published returns all recorded messages on topic.
func (f *fakeTransport) Published(topic string) []published {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var result []published
	for _, m := range f.messages {
		if m.Topic == topic {
			result = append(result, m)
		}
	}
	return result
}

func (f *fakeTransport) Reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.messages = nil
}

// IntegrationTestSuite runs the full device hub against a containerized
// Postgres and a fake transport.
type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer testcontainers.Container

	db         *csql.DB
	router     *mux.Router
	srv        *httptest.Server
	transport  *fakeTransport
	devices    *device.Directory
	negotiator *state.Negotiator
	relay      *relay.Relay
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	logger.InitLogger(logrus.WarnLevel)

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB),
		"devicehub_test")
	s.db.ClearSchema()

	s.transport = newFakeTransport()

	locks := keylock.New()
	s.devices = device.NewDirectory(s.db)
	s.negotiator = state.NewNegotiator(s.db, locks)
	measurements := measurement.NewStore(s.db)
	flags := registry.New(s.db).Accessor("devicehub")

	s.relay = relay.New(&relay.Builder{
		DB:        s.db,
		Transport: s.transport,
		Devices:   s.devices,
		Locks:     locks,
	})

	s.router = mux.NewRouter()
	api.NewService(&api.Builder{
		Router:       s.router,
		Devices:      s.devices,
		Negotiator:   s.negotiator,
		Relay:        s.relay,
		Measurements: measurements,
		Flags:        flags,
	})

	s.Require().NoError(s.relay.Run())
	s.srv = httptest.NewServer(s.router)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.srv != nil {
		s.srv.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(context.Background())
		s.Require().NoError(err)
	}
}

// postJSON posts body to path and decodes the response into out (if not nil).
func (s *IntegrationTestSuite) postJSON(path string, body interface{}, out interface{}) *http.Response {
	payload, err := json.Marshal(body)
	s.Require().NoError(err)
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(payload))
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (s *IntegrationTestSuite) putJSON(path string, body interface{}) *http.Response {
	payload, err := json.Marshal(body)
	s.Require().NoError(err)
	req, err := http.NewRequest(http.MethodPut, s.srv.URL+path, bytes.NewReader(payload))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	return resp
}

func (s *IntegrationTestSuite) getJSON(path string, out interface{}) *http.Response {
	resp, err := http.Get(s.srv.URL + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (s *IntegrationTestSuite) delete(path string) *http.Response {
	req, err := http.NewRequest(http.MethodDelete, s.srv.URL+path, nil)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	return resp
}
