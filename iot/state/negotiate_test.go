package state_test

import (
	"testing"

	"github.com/relabs-tech/devicehub/iot/state"
	"github.com/stretchr/testify/assert"
)

const now = int64(1700000000)

func TestDecideNoPendingRequest(t *testing.T) {
	d := state.Decide(state.Row{}, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "OFF", d.State)
	assert.False(t, d.ClearRequest)
}

func TestDecidePendingRequestIsHandedBack(t *testing.T) {
	stored := state.Row{RequestedState: "ON"}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "ON", d.State)
	// stays pending until the device adopts it
	assert.False(t, d.ClearRequest)

	// idempotent as long as the device keeps reporting something else
	d = state.Decide(stored, "OFF", []string{"ON", "OFF"}, now+60)
	assert.Equal(t, "ON", d.State)
	assert.False(t, d.ClearRequest)
}

func TestDecideAdoptedRequestIsCleared(t *testing.T) {
	stored := state.Row{RequestedState: "ON"}
	d := state.Decide(stored, "ON", []string{"ON", "OFF"}, now)
	assert.Equal(t, "ON", d.State)
	assert.True(t, d.ClearRequest)
}

func TestDecideExpiredRequestIsCleared(t *testing.T) {
	stored := state.Row{RequestedState: "ON", RequestedStateExpire: now - 1}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "OFF", d.State)
	assert.True(t, d.ClearRequest)
}

func TestDecideNotYetStartedRequestIsCleared(t *testing.T) {
	stored := state.Row{RequestedState: "ON", RequestedStateStart: now + 100}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "OFF", d.State)
	assert.True(t, d.ClearRequest)
}

func TestDecideWindowContainsNow(t *testing.T) {
	stored := state.Row{
		RequestedState:       "ON",
		RequestedStateStart:  now - 10,
		RequestedStateExpire: now + 10,
	}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "ON", d.State)
	assert.False(t, d.ClearRequest)
}

func TestDecideRequestOutsideVocabularyStaysPending(t *testing.T) {
	stored := state.Row{RequestedState: "STANDBY"}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "OFF", d.State)
	// not cleared, a future report with a different vocabulary may satisfy it
	assert.False(t, d.ClearRequest)
}

func TestDecideExpiredRequestClearedRegardlessOfMembership(t *testing.T) {
	stored := state.Row{RequestedState: "STANDBY", RequestedStateExpire: now - 1}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "OFF", d.State)
	assert.True(t, d.ClearRequest)
}

func TestDecideZeroBoundsAreUnbounded(t *testing.T) {
	stored := state.Row{RequestedState: "ON", RequestedStateStart: 0, RequestedStateExpire: 0}
	d := state.Decide(stored, "OFF", []string{"ON", "OFF"}, now)
	assert.Equal(t, "ON", d.State)
}
