package license

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	var seen []State
	sm := newStateMachine(func(from, to State) {
		seen = append(seen, to)
	})
	assert.Equal(t, StateParsing, sm.State())

	for _, s := range []State{StateCertificateResolving, StatePayloadGenerating, StateLicenseRequesting, StateFulfilled} {
		require.NoError(t, sm.transition(s))
	}

	assert.Equal(t, StateFulfilled, sm.State())
	assert.Equal(t, []State{StateCertificateResolving, StatePayloadGenerating, StateLicenseRequesting, StateFulfilled}, seen)
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		bad  State
	}{
		{"skip certificate", nil, StatePayloadGenerating},
		{"backwards", []State{StateCertificateResolving, StatePayloadGenerating}, StateCertificateResolving},
		{"self loop", []State{StateCertificateResolving}, StateCertificateResolving},
		{"fulfil early", []State{StateCertificateResolving}, StateFulfilled},
		{"leave fulfilled", []State{StateCertificateResolving, StatePayloadGenerating, StateLicenseRequesting, StateFulfilled}, StateFailed},
		{"leave failed", []State{StateFailed}, StateCertificateResolving},
		{"fail twice", []State{StateFailed}, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newStateMachine(nil)
			for _, s := range tt.path {
				require.NoError(t, sm.transition(s))
			}
			before := sm.State()

			err := sm.transition(tt.bad)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, sm.State())
		})
	}
}

func TestStateMachineFailFromEveryActiveState(t *testing.T) {
	for _, s := range []State{StateParsing, StateCertificateResolving, StatePayloadGenerating, StateLicenseRequesting} {
		assert.True(t, canTransition(s, StateFailed), s.String())
	}

	sm := newStateMachine(nil)
	sm.fail()
	assert.Equal(t, StateFailed, sm.State())
	// fail after a terminal state is a no-op
	sm.fail()
	assert.Equal(t, StateFailed, sm.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "certificate_resolving", StateCertificateResolving.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateLicenseRequesting.Terminal())
}
