// Package msgqueue holds follow-up user input that arrives while a
// conversation is busy with an active agent session. Messages wait in a
// per-conversation FIFO until the orchestrator drains them into fresh
// sessions once the conversation frees up.
package msgqueue
