/*Package state implements the device state negotiation

Devices report their current state together with the vocabulary of states
they support. Operators stage a requested target state with an optional
validity window. On every report the negotiator decides which state the
device should adopt next and whether the staged request is still live.
*/
package state

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/core/csql"
	"github.com/relabs-tech/devicehub/core/keylock"
	"github.com/relabs-tech/devicehub/iot"
)

// Row is the stored negotiation state for one device. A zero
// RequestedState means no request is pending; zero bounds mean the
// request window is unbounded on that side.
type Row struct {
	DeviceID             string   `json:"device_id"`
	CurrentState         string   `json:"current_state"`
	PossibleStates       []string `json:"possible_states"`
	RequestedState       string   `json:"requested_state,omitempty"`
	RequestedStateStart  int64    `json:"requested_state_start,omitempty"`
	RequestedStateExpire int64    `json:"requested_state_expire,omitempty"`
}

// Result is the answer to a device report.
type Result struct {
	State string `json:"state"`
	Debug Debug  `json:"debug"`
}

// Debug surfaces the raw pending values seen by the negotiation. It is
// observability data, not a contract with the device.
type Debug struct {
	RequestedState       string `json:"requested_state,omitempty"`
	RequestedStateStart  int64  `json:"requested_state_start,omitempty"`
	RequestedStateExpire int64  `json:"requested_state_expire,omitempty"`
	Now                  int64  `json:"now"`
}

// Negotiator reconciles device state reports and maintains the pending
// operator request.
type Negotiator struct {
	db    *csql.DB
	locks *keylock.KeyLock
}

// NewNegotiator creates the state table if it does not exist yet.
//
// The negotiator requires that the database manages the device table,
// state rows are dropped with their device.
func NewNegotiator(db *csql.DB, locks *keylock.KeyLock) *Negotiator {
	if db == nil {
		panic("DB is missing")
	}
	if locks == nil {
		panic("locks are missing")
	}
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.state
(device_id varchar references ` + db.Schema + `.device(device_id) ON DELETE CASCADE,
current_state varchar NOT NULL,
possible_states json NOT NULL,
requested_state varchar NOT NULL DEFAULT '',
requested_state_start bigint NOT NULL DEFAULT 0,
requested_state_expire bigint NOT NULL DEFAULT 0,
PRIMARY KEY(device_id)
);`)
	if err != nil {
		panic(err)
	}
	return &Negotiator{db: db, locks: locks}
}

// Reconcile processes one device report and returns the state the device
// should adopt. The new report and the possibly cleared pending request
// are persisted in a single write.
func (n *Negotiator) Reconcile(deviceID, currentState string, possibleStates []string) (Result, error) {
	if deviceID == "" {
		return Result{}, iot.Validationf("device_id is missing")
	}
	if currentState == "" {
		return Result{}, iot.Validationf("current_state is missing")
	}
	if len(possibleStates) == 0 {
		return Result{}, iot.Validationf("possible_states are missing")
	}

	n.locks.Lock(deviceID)
	defer n.locks.Unlock(deviceID)

	stored, err := n.load(deviceID)
	if err != nil && !iot.IsNotFound(err) {
		return Result{}, err
	}

	now := time.Now().Unix()
	decision := Decide(stored, currentState, possibleStates, now)

	row := Row{
		DeviceID:             deviceID,
		CurrentState:         currentState,
		PossibleStates:       possibleStates,
		RequestedState:       stored.RequestedState,
		RequestedStateStart:  stored.RequestedStateStart,
		RequestedStateExpire: stored.RequestedStateExpire,
	}
	if decision.ClearRequest {
		row.RequestedState = ""
		row.RequestedStateStart = 0
		row.RequestedStateExpire = 0
	}
	if err := n.upsert(row); err != nil {
		return Result{}, err
	}

	return Result{
		State: decision.State,
		Debug: Debug{
			RequestedState:       stored.RequestedState,
			RequestedStateStart:  stored.RequestedStateStart,
			RequestedStateExpire: stored.RequestedStateExpire,
			Now:                  now,
		},
	}, nil
}

// SetRequestedState stages an operator request for an existing row. The
// request is not validated against the device vocabulary here, validation
// happens on the device's next report. This lets operators pre-stage
// requests before a device declares the relevant vocabulary.
func (n *Negotiator) SetRequestedState(deviceID, requestedState string, start, expire int64) error {
	if deviceID == "" {
		return iot.Validationf("device_id is missing")
	}

	n.locks.Lock(deviceID)
	defer n.locks.Unlock(deviceID)

	res, err := n.db.Exec(
		`UPDATE `+n.db.Schema+`.state SET requested_state=$2,requested_state_start=$3,requested_state_expire=$4
WHERE device_id=$1;`,
		deviceID, requestedState, start, expire)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return iot.NotFoundError{What: "state for device " + deviceID}
	}
	return nil
}

// GetState returns the stored row for one device.
func (n *Negotiator) GetState(deviceID string) (Row, error) {
	if deviceID == "" {
		return Row{}, iot.Validationf("device_id is missing")
	}
	return n.load(deviceID)
}

// DeleteState removes the stored row, it is a no-op when no row exists.
func (n *Negotiator) DeleteState(deviceID string) error {
	_, err := n.db.Exec(
		`DELETE FROM `+n.db.Schema+`.state WHERE device_id=$1;`,
		deviceID)
	return err
}

func (n *Negotiator) load(deviceID string) (Row, error) {
	row := Row{}
	var possibleStates []byte
	err := n.db.QueryRow(
		`SELECT device_id,current_state,possible_states,requested_state,requested_state_start,requested_state_expire
FROM `+n.db.Schema+`.state WHERE device_id=$1;`,
		deviceID).Scan(&row.DeviceID, &row.CurrentState, &possibleStates,
		&row.RequestedState, &row.RequestedStateStart, &row.RequestedStateExpire)
	if err == csql.ErrNoRows {
		return Row{}, iot.NotFoundError{What: "state for device " + deviceID}
	}
	if err != nil {
		return Row{}, err
	}
	if err := json.Unmarshal(possibleStates, &row.PossibleStates); err != nil {
		return Row{}, err
	}
	return row, nil
}

func (n *Negotiator) upsert(row Row) error {
	possibleStates, err := json.Marshal(row.PossibleStates)
	if err != nil {
		return err
	}
	_, err = n.db.Exec(
		`INSERT INTO `+n.db.Schema+`.state(device_id,current_state,possible_states,requested_state,requested_state_start,requested_state_expire)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (device_id) DO UPDATE SET
current_state=$2,possible_states=$3,requested_state=$4,requested_state_start=$5,requested_state_expire=$6;`,
		row.DeviceID, row.CurrentState, string(possibleStates),
		row.RequestedState, row.RequestedStateStart, row.RequestedStateExpire)
	return err
}
