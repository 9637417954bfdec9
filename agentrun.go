// Package agentrun is an execution core for LLM agents: it turns a model
// provider, a tool set, and a set of guardrails into observable operations
// with durable history, conversation memory, an event stream, and sub-agent
// delegation.
//
// The root package holds the Agent orchestrator and the per-operation
// machinery; the subpackages supply the pluggable pieces (llm, history,
// memory, events, guardrail, retriever).
package agentrun
