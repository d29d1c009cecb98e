// Package crew is a concurrent multi-agent orchestration runtime.
//
// A session centers on a main agent backed by an OpenAI-compatible chat
// completions endpoint. The main agent can spawn sub-agents with specialised
// roles (reviewer, researcher, implementer, tester, optimizer); each sub-agent
// runs concurrently with an isolated conversation history and reports back a
// structured summary rather than its full transcript.
//
// Model output is a token stream carrying an inline tag protocol:
// [THINKING], [SUMMARY], [PLAN], and [FILE_READ]/[FILE_WRITE]/[FILE_EDIT]
// sections are lifted out of the stream by the response parser and dispatched
// to the agent manager, the workflow engine, and the tool executor. Multi-step
// [PLAN] bodies become dependency-ordered workflows that execute with
// checkpointing and rollback.
//
// The package is a library: the interactive CLI in cmd/crew and any other
// frontend drive it through the Orchestrator facade.
package crew
