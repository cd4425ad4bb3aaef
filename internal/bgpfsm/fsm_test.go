package bgpfsm

import "testing"

func TestApplyEventTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		state     State
		event     Event
		wantState State
		wantActs  []Action
		wantChg   bool
	}{
		{
			name:      "idle start allocates and arms connect retry",
			state:     Idle,
			event:     EvStart,
			wantState: Active,
			wantActs:  []Action{ActAllocateResources, ActArmConnectRetryStartDelay},
			wantChg:   true,
		},
		{
			name:      "active connect retry expiry dials out",
			state:     Active,
			event:     EvConnectRetryExpire,
			wantState: Connect,
			wantActs:  []Action{ActInitiateConnect, ActArmConnectRetryConfigured},
			wantChg:   true,
		},
		{
			name:      "connect socket connected enters opensent",
			state:     Connect,
			event:     EvSocketConnected,
			wantState: OpenSent,
			wantActs:  []Action{ActStopConnectRetry, ActScheduleOpen, ActArmHoldInitial, ActInstallCodecHooks},
			wantChg:   true,
		},
		{
			name:      "opensent open confirmed enters openconfirm with no actions",
			state:     OpenSent,
			event:     EvOpenConfirmed,
			wantState: OpenConfirm,
			wantActs:  nil,
			wantChg:   true,
		},
		{
			name:      "openconfirm establish confirmed enters established",
			state:     OpenConfirm,
			event:     EvEstablishConfirmed,
			wantState: Established,
			wantActs:  nil,
			wantChg:   true,
		},
		{
			name:      "established keepalive expiry reschedules, stays established",
			state:     Established,
			event:     EvKeepaliveExpire,
			wantState: Established,
			wantActs:  []Action{ActScheduleKeepalive},
			wantChg:   true,
		},
		{
			name:      "close notification drained releases to idle",
			state:     Close,
			event:     EvNotificationDrained,
			wantState: Idle,
			wantActs:  []Action{ActReleaseResources},
			wantChg:   true,
		},
		{
			name:      "idle close request is a no-op",
			state:     Idle,
			event:     EvCloseRequest,
			wantState: Idle,
			wantActs:  nil,
			wantChg:   false,
		},
		{
			name:      "unknown transition is rejected",
			state:     Idle,
			event:     EvKeepaliveExpire,
			wantState: Idle,
			wantActs:  nil,
			wantChg:   false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ApplyEvent(tt.state, tt.event)
			if got.NewState != tt.wantState {
				t.Errorf("NewState = %v, want %v", got.NewState, tt.wantState)
			}
			if got.Changed != tt.wantChg {
				t.Errorf("Changed = %v, want %v", got.Changed, tt.wantChg)
			}
			if len(got.Actions) != len(tt.wantActs) {
				t.Fatalf("Actions = %v, want %v", got.Actions, tt.wantActs)
			}
			for i, a := range got.Actions {
				if a != tt.wantActs[i] {
					t.Errorf("Actions[%d] = %v, want %v", i, a, tt.wantActs[i])
				}
			}
		})
	}
}

// TestApplyEventSocketErrFromAnyLiveState confirms the cross-cutting
// socket-error rule: any state other than IDLE/CLOSE falls back to
// IDLE on a socket error, regardless of what the per-state table says.
func TestApplyEventSocketErrFromAnyLiveState(t *testing.T) {
	t.Parallel()

	live := []State{Active, Connect, OpenSent, OpenConfirm, Established}
	for _, s := range live {
		got := ApplyEvent(s, EvSocketErr)
		if got.NewState != Idle {
			t.Errorf("state %v: NewState = %v, want IDLE", s, got.NewState)
		}
		if !got.Changed {
			t.Errorf("state %v: Changed = false, want true", s)
		}
	}
}

func TestApplyEventSocketErrIsNoopFromIdleAndClose(t *testing.T) {
	t.Parallel()

	for _, s := range []State{Idle, Close} {
		got := ApplyEvent(s, EvSocketErr)
		if got.NewState != s {
			t.Errorf("state %v: NewState = %v, want unchanged", s, got.NewState)
		}
	}
}

func TestStateStringCoversAllStates(t *testing.T) {
	t.Parallel()

	for s := Idle; s <= Close; s++ {
		if got := s.String(); got == "UNKNOWN" {
			t.Errorf("State(%d).String() = UNKNOWN, want a named state", s)
		}
	}
	if got := State(99).String(); got != "UNKNOWN" {
		t.Errorf("State(99).String() = %q, want UNKNOWN", got)
	}
}
