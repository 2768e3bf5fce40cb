package fsm

import "fmt"

// State is one of the closed set of application states.
type State int

const (
	// StateInitializing is the state before the worker is ready.
	StateInitializing State = iota
	// StateIdle waits for user input.
	StateIdle
	// StateProcessingInput handles a submitted input.
	StateProcessingInput
	// StateWaitingAIResponse waits for the worker to answer.
	StateWaitingAIResponse
	// StateReceivingAIResponse consumes a (possibly streamed) answer.
	StateReceivingAIResponse
	// StateParsingTools extracts tool calls from an answer.
	StateParsingTools
	// StateExecutingTools runs extracted tool calls.
	StateExecutingTools
	// StateWaitingVariableInput blocks on a user-supplied variable.
	StateWaitingVariableInput
	// StateSessionHub is the session management side-mode.
	StateSessionHub
	// StateShellTakeover hands the terminal to a shell from the hub.
	StateShellTakeover
	// StateError is entered on any request-path failure.
	StateError
	// StateShuttingDown is terminal.
	StateShuttingDown
)

var stateNames = [...]string{
	StateInitializing:         "INITIALIZING",
	StateIdle:                 "IDLE",
	StateProcessingInput:      "PROCESSING_INPUT",
	StateWaitingAIResponse:    "WAITING_AI_RESPONSE",
	StateReceivingAIResponse:  "RECEIVING_AI_RESPONSE",
	StateParsingTools:         "PARSING_TOOLS",
	StateExecutingTools:       "EXECUTING_TOOLS",
	StateWaitingVariableInput: "WAITING_VARIABLE_INPUT",
	StateSessionHub:           "SESSION_HUB",
	StateShellTakeover:        "SHELL_TAKEOVER",
	StateError:                "ERROR",
	StateShuttingDown:         "SHUTTING_DOWN",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Valid reports whether s is a member of the declared state set.
func (s State) Valid() bool {
	return s >= 0 && int(s) < len(stateNames)
}

// ParseState returns the State with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// AllStates returns every declared state in declaration order.
func AllStates() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}
