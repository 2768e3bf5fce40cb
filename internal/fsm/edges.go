package fsm

// Edge is a permitted (from, to) pair.
type Edge struct {
	From State
	To   State
}

// edges is the declared transition graph. WAITING_VARIABLE_INPUT only returns to
// PARSING_TOOLS; it has no edge to ERROR or SHUTTING_DOWN.
var edges = map[Edge]struct{}{
	{StateInitializing, StateIdle}: {},

	{StateIdle, StateProcessingInput}: {},
	{StateIdle, StateSessionHub}:      {},

	{StateProcessingInput, StateWaitingAIResponse}:     {},
	{StateWaitingAIResponse, StateReceivingAIResponse}: {},
	{StateReceivingAIResponse, StateParsingTools}:      {},
	{StateReceivingAIResponse, StateIdle}:              {},

	{StateParsingTools, StateExecutingTools}:       {},
	{StateParsingTools, StateWaitingVariableInput}: {},
	{StateExecutingTools, StateWaitingAIResponse}:  {},
	{StateExecutingTools, StateIdle}:               {},
	{StateWaitingVariableInput, StateParsingTools}: {},

	{StateSessionHub, StateIdle}:          {},
	{StateSessionHub, StateShellTakeover}: {},
	{StateShellTakeover, StateSessionHub}: {},

	{StateIdle, StateError}:                {},
	{StateProcessingInput, StateError}:     {},
	{StateWaitingAIResponse, StateError}:   {},
	{StateReceivingAIResponse, StateError}: {},
	{StateParsingTools, StateError}:        {},
	{StateExecutingTools, StateError}:      {},

	{StateError, StateIdle}: {},

	{StateIdle, StateShuttingDown}:       {},
	{StateSessionHub, StateShuttingDown}: {},
	{StateError, StateShuttingDown}:      {},
}

// IsEdge reports whether (from, to) is a declared edge.
func IsEdge(from, to State) bool {
	_, ok := edges[Edge{From: from, To: to}]
	return ok
}

// Edges returns a copy of the declared edge set.
func Edges() []Edge {
	out := make([]Edge, 0, len(edges))
	for e := range edges {
		out = append(out, e)
	}
	return out
}
