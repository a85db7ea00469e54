package session

// State is a session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingAgent
	StateBridged
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAgent:
		return "awaiting_agent"
	case StateBridged:
		return "bridged"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Forwarding reports whether audio flows between the two legs in s.
func (s State) Forwarding() bool {
	return s == StateBridged
}

// Event drives a state transition.
type Event int

const (
	// EventStart is the telephony start control event.
	EventStart Event = iota
	// EventAgentReady is the agent reporting its negotiated formats.
	EventAgentReady
	// EventStop is the telephony stop control event.
	EventStop
	EventTelephonyClosed
	EventAgentClosed
	EventAgentFailed
	EventHandshakeTimeout
	// EventAbort is a local teardown request: shutdown, duplicate stream or
	// an agent that cannot be bridged.
	EventAbort
	// EventShutdownComplete follows the close of both legs.
	EventShutdownComplete
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventAgentReady:
		return "agent_ready"
	case EventStop:
		return "stop"
	case EventTelephonyClosed:
		return "telephony_closed"
	case EventAgentClosed:
		return "agent_closed"
	case EventAgentFailed:
		return "agent_failed"
	case EventHandshakeTimeout:
		return "handshake_timeout"
	case EventAbort:
		return "abort"
	case EventShutdownComplete:
		return "shutdown_complete"
	}
	return "unknown"
}

// Effect is a side effect the session performs after a transition, in order.
type Effect int

const (
	// EffectRegister adds the session to the registry under its stream SID.
	EffectRegister Effect = iota
	// EffectDialAgent starts the asynchronous agent connection.
	EffectDialAgent
	// EffectArmHandshakeTimer bounds the wait for the agent.
	EffectArmHandshakeTimer
	// EffectStartBridge builds the converters and marks the registry entry bridged.
	EffectStartBridge
	// EffectStopTimer cancels the handshake timer and any pending dial.
	EffectStopTimer
	// EffectCloseAgent closes the agent leg if it is open.
	EffectCloseAgent
	// EffectCloseTelephony closes the telephony leg.
	EffectCloseTelephony
	// EffectFinish emits EventShutdownComplete.
	EffectFinish
	// EffectUnregister removes the registry entry.
	EffectUnregister
)

func (e Effect) String() string {
	switch e {
	case EffectRegister:
		return "register"
	case EffectDialAgent:
		return "dial_agent"
	case EffectArmHandshakeTimer:
		return "arm_handshake_timer"
	case EffectStartBridge:
		return "start_bridge"
	case EffectStopTimer:
		return "stop_timer"
	case EffectCloseAgent:
		return "close_agent"
	case EffectCloseTelephony:
		return "close_telephony"
	case EffectFinish:
		return "finish"
	case EffectUnregister:
		return "unregister"
	}
	return "unknown"
}

var teardown = []Effect{EffectStopTimer, EffectCloseAgent, EffectCloseTelephony, EffectFinish}

// Transition is the session state machine. It is pure: the returned effects
// are carried out by the caller. Events that do not apply to the current
// state leave it unchanged with no effects.
func Transition(s State, e Event) (State, []Effect) {
	switch s {
	case StateIdle:
		switch e {
		case EventStart:
			return StateAwaitingAgent, []Effect{EffectRegister, EffectDialAgent, EffectArmHandshakeTimer}
		case EventStop, EventTelephonyClosed, EventAbort:
			return StateClosing, teardown
		}

	case StateAwaitingAgent:
		switch e {
		case EventAgentReady:
			return StateBridged, []Effect{EffectStopTimer, EffectStartBridge}
		case EventStop, EventTelephonyClosed, EventAgentClosed, EventAgentFailed, EventHandshakeTimeout, EventAbort:
			return StateClosing, teardown
		}

	case StateBridged:
		switch e {
		case EventStop, EventTelephonyClosed, EventAgentClosed, EventAgentFailed, EventAbort:
			return StateClosing, teardown
		}

	case StateClosing:
		if e == EventShutdownComplete {
			return StateClosed, []Effect{EffectUnregister}
		}
	}

	return s, nil
}
