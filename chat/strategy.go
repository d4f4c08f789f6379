package chat

// Strategy names the four request-handling paths.
type Strategy string

const (
	StrategyDirect         Strategy = "direct"
	StrategyStreaming      Strategy = "streaming"
	StrategyToolsUnified   Strategy = "tools_unified"
	StrategyToolsIterative Strategy = "tools_iterative"
)

// SelectStrategy classifies a request. toolCount counts the tool names that
// resolved for this user after credential filtering; names that were filtered
// out do not make the request a tool request.
func SelectStrategy(toolCount int, stream bool) Strategy {
	switch {
	case toolCount == 0 && !stream:
		return StrategyDirect
	case toolCount == 0:
		return StrategyStreaming
	case !stream:
		return StrategyToolsUnified
	default:
		return StrategyToolsIterative
	}
}

// Streaming reports whether the strategy writes an SSE response.
func (s Strategy) Streaming() bool {
	return s == StrategyStreaming || s == StrategyToolsIterative
}

// UsesTools reports whether the strategy runs the tool loop with tools
// exposed to the model.
func (s Strategy) UsesTools() bool {
	return s == StrategyToolsUnified || s == StrategyToolsIterative
}
