/*Package relay implements the MQTT topic/schema relay

The relay owns the mapping from a device's declared offers to broker
subscriptions. It validates and persists offer schemas, appends inbound
state payloads to the topic history, and publishes outbound set commands.
A fixed set of api/* topics mirrors the HTTP API so devices can run
entirely over the pub/sub transport.

Offer application is replace-not-merge: re-registration tears down the
old topic set, subscriptions included, before the new one is stored. A
schema must not accumulate stale keys across firmware updates.
*/
package relay

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/core/csql"
	"github.com/relabs-tech/devicehub/core/keylock"
	"github.com/relabs-tech/devicehub/core/logger"
	"github.com/relabs-tech/devicehub/iot"
	"github.com/relabs-tech/devicehub/iot/device"
	"github.com/relabs-tech/devicehub/iot/offers"
)

// The reserved topic prefix of the API bridge and the four bridged
// operations.
const (
	apiPrefix = "api/"

	opRegisterDevice   = "registerDevice"
	opUpdateDeviceInfo = "updateDeviceInfo"
	opReportValues     = "reportValues"
	opPostState        = "post/state"
)

// apiTopics are always subscribed, independent of any device offers.
var apiTopics = []string{
	apiPrefix + opRegisterDevice,
	apiPrefix + opUpdateDeviceInfo,
	apiPrefix + opReportValues,
	apiPrefix + opPostState,
}

// Relay routes payloads between the transport and the topic history.
type Relay struct {
	db        *csql.DB
	transport iot.Transport
	devices   *device.Directory
	locks     *keylock.KeyLock
	bridge    Bridge
}

// Builder is a builder helper for the Relay
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Transport is the publish/subscribe transport. This is mandatory.
	Transport iot.Transport
	// Devices is the device directory. This is mandatory.
	Devices *device.Directory
	// Locks serializes offer replacement per device. This is mandatory.
	Locks *keylock.KeyLock
}

// New creates the topic tables (if they do not exist) and installs the
// relay as the transport's inbound message handler.
func New(b *Builder) *Relay {
	if b.DB == nil {
		panic("DB is missing")
	}
	if b.Transport == nil {
		panic("Transport is missing")
	}
	if b.Devices == nil {
		panic("Devices are missing")
	}
	if b.Locks == nil {
		panic("Locks are missing")
	}

	// poor man's database migrations
	_, err := b.DB.Exec(`CREATE table IF NOT EXISTS ` + b.DB.Schema + `.topics
(id bigint generated always as identity,
device_id varchar references ` + b.DB.Schema + `.device(device_id) ON DELETE CASCADE,
topic_name varchar NOT NULL,
has_set boolean NOT NULL,
has_state boolean NOT NULL,
PRIMARY KEY(id),
UNIQUE(device_id, topic_name)
);
CREATE table IF NOT EXISTS ` + b.DB.Schema + `.topic_schema
(id bigint generated always as identity,
topic_id bigint references ` + b.DB.Schema + `.topics(id) ON DELETE CASCADE,
key_name varchar NOT NULL,
value_type varchar NOT NULL,
min_value double precision,
max_value double precision,
enum_values json,
PRIMARY KEY(id)
);
CREATE table IF NOT EXISTS ` + b.DB.Schema + `.topic_payloads
(topic_id bigint references ` + b.DB.Schema + `.topics(id) ON DELETE CASCADE,
time_seconds bigint NOT NULL,
time_nanoseconds bigint NOT NULL,
payload json NOT NULL
);
CREATE INDEX IF NOT EXISTS topic_payloads_topic_time ON ` + b.DB.Schema + `.topic_payloads(topic_id, time_seconds DESC, time_nanoseconds DESC);`)
	if err != nil {
		panic(err)
	}

	r := &Relay{
		db:        b.DB,
		transport: b.Transport,
		devices:   b.Devices,
		locks:     b.Locks,
	}
	r.transport.HandleMessages(r.onMessage)
	return r
}

// BindBridge installs the API bridge. Without a bridge, api/* messages
// are dropped.
func (r *Relay) BindBridge(bridge Bridge) {
	r.bridge = bridge
}

// Run subscribes to the api topics and replays all subscriptions from
// the persisted topic set. Call it once after the transport is
// connected; transports call it again after a reconnect, the topics
// table is the source of truth for the subscription set.
func (r *Relay) Run() error {
	topics, err := r.SubscriptionTopics()
	if err != nil {
		return err
	}
	for _, topic := range topics {
		if err := r.transport.Subscribe(topic); err != nil {
			logger.Default().WithError(err).Errorln("cannot subscribe", topic)
		}
	}
	return nil
}

// SubscriptionTopics returns the complete wire-topic subscription set:
// the fixed api topics plus every declared endpoint of every stored
// topic. Set subscriptions exist so the hub observes command traffic;
// inbound routing drops them, devices only ever publish state.
func (r *Relay) SubscriptionTopics() ([]string, error) {
	wireTopics := append([]string{}, apiTopics...)

	rows, err := r.db.Query(
		`SELECT device_id,topic_name,has_set,has_state FROM ` + r.db.Schema + `.topics;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			deviceID, topicName string
			hasSet, hasState    bool
		)
		if err := rows.Scan(&deviceID, &topicName, &hasSet, &hasState); err != nil {
			return nil, err
		}
		if hasSet {
			wireTopics = append(wireTopics, deviceID+"/"+topicName+"/"+offers.EndpointSet)
		}
		if hasState {
			wireTopics = append(wireTopics, deviceID+"/"+topicName+"/"+offers.EndpointState)
		}
	}
	return wireTopics, rows.Err()
}

// Apply validates and applies one MQTT offer block for a device,
// replacing whatever the device declared before. It implements
// offers.Applier.
//
// Validation is all-or-nothing: the whole block is checked before any
// row is written, a returned error means nothing was committed.
func (r *Relay) Apply(deviceID string, raw json.RawMessage) error {
	topics, err := offers.ParseMQTT(raw)
	if err != nil {
		return err
	}
	return r.Replace(deviceID, topics)
}

// Replace tears down the device's current topic set and installs the
// new one. Old subscriptions are removed before the rows change, so no
// message for the old set is processed against the new schema. The
// brief unsubscribed gap is tolerated, devices retry or retain.
func (r *Relay) Replace(deviceID string, newTopics []offers.Topic) error {
	r.locks.Lock(deviceID)
	defer r.locks.Unlock(deviceID)

	if err := r.unsubscribeDevice(deviceID); err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`DELETE FROM `+r.db.Schema+`.topics WHERE device_id=$1;`,
		deviceID)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, topic := range newTopics {
		var topicID int64
		err = tx.QueryRow(
			`INSERT INTO `+r.db.Schema+`.topics(device_id,topic_name,has_set,has_state)
VALUES($1,$2,$3,$4) RETURNING id;`,
			deviceID, topic.Topic, topic.HasSet(), topic.HasState()).Scan(&topicID)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, key := range topic.Keys {
			var enumValues interface{}
			if len(key.EnumValues) > 0 {
				raw, err := json.Marshal(key.EnumValues)
				if err != nil {
					tx.Rollback()
					return err
				}
				enumValues = string(raw)
			}
			_, err = tx.Exec(
				`INSERT INTO `+r.db.Schema+`.topic_schema(topic_id,key_name,value_type,min_value,max_value,enum_values)
VALUES($1,$2,$3,$4,$5,$6);`,
				topicID, key.KeyName, key.ValueType, key.MinValue, key.MaxValue, enumValues)
			if err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, topic := range newTopics {
		if topic.HasSet() {
			r.subscribe(deviceID + "/" + topic.Topic + "/" + offers.EndpointSet)
		}
		if topic.HasState() {
			r.subscribe(deviceID + "/" + topic.Topic + "/" + offers.EndpointState)
		}
	}
	return nil
}

// DeviceRemoved removes the device's subscriptions. Call it before
// deleting the device row, the topic rows themselves go away with the
// cascading delete.
func (r *Relay) DeviceRemoved(deviceID string) error {
	r.locks.Lock(deviceID)
	defer r.locks.Unlock(deviceID)
	return r.unsubscribeDevice(deviceID)
}

// PublishSet validates key values against the stored topic schema and
// publishes them as a command on {device_id}/{topic_name}/set. Commands
// violating the schema are rejected instead of being forwarded to the
// device.
func (r *Relay) PublishSet(deviceID, topicName string, keyValues map[string]interface{}) error {
	if !r.transport.Connected() {
		return iot.TransportError{Reason: "transport not connected"}
	}
	exists, err := r.devices.Exists(deviceID)
	if err != nil {
		return err
	}
	if !exists {
		return iot.NotFoundError{What: "device " + deviceID}
	}

	topicID, _, err := r.lookupTopic(deviceID, topicName)
	if err != nil {
		return err
	}
	keys, err := r.topicSchema(topicID)
	if err != nil {
		return err
	}
	if err := validateKeyValues(keys, keyValues); err != nil {
		return err
	}

	payload, err := json.Marshal(keyValues)
	if err != nil {
		return err
	}
	wireTopic := deviceID + "/" + topicName + "/" + offers.EndpointSet
	if err := r.transport.Publish(wireTopic, payload, false); err != nil {
		// fire-and-forget: a transport hiccup must not fail the caller
		logger.Default().WithError(err).Errorln("cannot publish", wireTopic)
	}
	return nil
}

// LatestPayload returns the most recent payload of a topic, or NotFound.
func (r *Relay) LatestPayload(deviceID, topicName string) (Payload, error) {
	topicID, _, err := r.lookupTopic(deviceID, topicName)
	if err != nil {
		return Payload{}, err
	}
	p := Payload{}
	err = r.db.QueryRow(
		`SELECT time_seconds,time_nanoseconds,payload FROM `+r.db.Schema+`.topic_payloads
WHERE topic_id=$1 ORDER BY time_seconds DESC, time_nanoseconds DESC LIMIT 1;`,
		topicID).Scan(&p.TimeSeconds, &p.TimeNanoseconds, &p.Payload)
	if err == csql.ErrNoRows {
		return Payload{}, iot.NotFoundError{What: "payload for topic " + topicName}
	}
	return p, err
}

// PayloadHistory returns up to limit payloads of a topic, newest first.
func (r *Relay) PayloadHistory(deviceID, topicName string, limit int) ([]Payload, error) {
	topicID, _, err := r.lookupTopic(deviceID, topicName)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(
		`SELECT time_seconds,time_nanoseconds,payload FROM `+r.db.Schema+`.topic_payloads
WHERE topic_id=$1 ORDER BY time_seconds DESC, time_nanoseconds DESC LIMIT $2;`,
		topicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	payloads := []Payload{}
	for rows.Next() {
		p := Payload{}
		if err := rows.Scan(&p.TimeSeconds, &p.TimeNanoseconds, &p.Payload); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

// Payload is one entry of the topic history.
type Payload struct {
	TimeSeconds     int64           `json:"s"`
	TimeNanoseconds int64           `json:"ns"`
	Payload         json.RawMessage `json:"payload"`
}

func (r *Relay) unsubscribeDevice(deviceID string) error {
	rows, err := r.db.Query(
		`SELECT topic_name,has_set,has_state FROM `+r.db.Schema+`.topics WHERE device_id=$1;`,
		deviceID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			topicName        string
			hasSet, hasState bool
		)
		if err := rows.Scan(&topicName, &hasSet, &hasState); err != nil {
			return err
		}
		if hasSet {
			r.unsubscribe(deviceID + "/" + topicName + "/" + offers.EndpointSet)
		}
		if hasState {
			r.unsubscribe(deviceID + "/" + topicName + "/" + offers.EndpointState)
		}
	}
	return rows.Err()
}

func (r *Relay) subscribe(wireTopic string) {
	if err := r.transport.Subscribe(wireTopic); err != nil {
		logger.Default().WithError(err).Errorln("cannot subscribe", wireTopic)
	}
}

func (r *Relay) unsubscribe(wireTopic string) {
	if err := r.transport.Unsubscribe(wireTopic); err != nil {
		logger.Default().WithError(err).Errorln("cannot unsubscribe", wireTopic)
	}
}

func (r *Relay) lookupTopic(deviceID, topicName string) (int64, bool, error) {
	var (
		topicID  int64
		hasState bool
	)
	err := r.db.QueryRow(
		`SELECT id,has_state FROM `+r.db.Schema+`.topics WHERE device_id=$1 AND topic_name=$2;`,
		deviceID, topicName).Scan(&topicID, &hasState)
	if err == csql.ErrNoRows {
		return 0, false, iot.NotFoundError{What: "topic " + deviceID + "/" + topicName}
	}
	return topicID, hasState, err
}

func (r *Relay) topicSchema(topicID int64) ([]offers.Key, error) {
	rows, err := r.db.Query(
		`SELECT key_name,value_type,min_value,max_value,enum_values FROM `+r.db.Schema+`.topic_schema WHERE topic_id=$1;`,
		topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []offers.Key
	for rows.Next() {
		var (
			key        offers.Key
			enumValues []byte
		)
		if err := rows.Scan(&key.KeyName, &key.ValueType, &key.MinValue, &key.MaxValue, &enumValues); err != nil {
			return nil, err
		}
		if len(enumValues) > 0 {
			if err := json.Unmarshal(enumValues, &key.EnumValues); err != nil {
				return nil, err
			}
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// appendPayload appends a payload to the topic history and touches the
// device's last-seen timestamp; both effects or neither.
func (r *Relay) appendPayload(topicID int64, deviceID string, payload []byte) error {
	now := time.Now()
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO `+r.db.Schema+`.topic_payloads(topic_id,time_seconds,time_nanoseconds,payload)
VALUES($1,$2,$3,$4);`,
		topicID, now.Unix(), int64(now.Nanosecond()), string(payload))
	if err != nil {
		tx.Rollback()
		return err
	}
	_, err = tx.Exec(
		`UPDATE `+r.db.Schema+`.device SET last_seen=$2 WHERE device_id=$1;`,
		deviceID, now.Unix())
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
