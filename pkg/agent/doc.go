// Package agent runs the model-driven tool loop. An orchestrator owns
// per-conversation sessions, feeds conversation history and the enabled
// tool catalog to an LLM provider, executes the tool calls the model
// requests, and streams progress events to the caller until the session
// reaches a terminal state.
package agent
