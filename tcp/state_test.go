package tcp

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{INVALID, "INVALID"},
		{ESTABLISHED, "ESTABLISHED"},
		{FIN_WAIT1, "FIN_WAIT1"},
		{CLOSING, "CLOSING"},
		{State(99), "UNKNOWN_STATE_99"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
