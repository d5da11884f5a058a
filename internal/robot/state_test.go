package robot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionLegalEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunStatusQueued, RunStatusRunning, true},
		{RunStatusQueued, RunStatusFailed, true},
		{RunStatusQueued, RunStatusAborted, true},
		{RunStatusRunning, RunStatusSuccess, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusRunning, RunStatusAborting, true},
		{RunStatusRunning, RunStatusAborted, true},
		{RunStatusAborting, RunStatusAborted, true},
		{RunStatusFailed, RunStatusQueued, true},
		{RunStatusQueued, RunStatusSuccess, false},
		{RunStatusSuccess, RunStatusRunning, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusAborted, RunStatusRunning, false},
		{RunStatusAborting, RunStatusSuccess, false},
		{RunStatusSuccess, RunStatusFailed, false},
	}

	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			continue
		}
		require.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatus(t *testing.T) {
	t.Parallel()

	require.True(t, TerminalStatus(RunStatusSuccess))
	require.True(t, TerminalStatus(RunStatusFailed))
	require.True(t, TerminalStatus(RunStatusAborted))
	require.False(t, TerminalStatus(RunStatusQueued))
	require.False(t, TerminalStatus(RunStatusRunning))
	require.False(t, TerminalStatus(RunStatusAborting))
}

func TestWebhookSubscribedTo(t *testing.T) {
	t.Parallel()

	hook := WebhookConfig{Events: []WebhookEvent{EventRunCompleted}}
	require.True(t, hook.SubscribedTo(EventRunCompleted))
	require.False(t, hook.SubscribedTo(EventRunFailed))
}
