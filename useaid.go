// Package useaid defines the domain model for the useai session witness
// daemon: hash-chained session records, seal summaries, milestones, and the
// canonical JSON encoding their hashes and signatures are computed over.
//
// The daemon observes AI coding assistant sessions over a local MCP
// transport and writes each session as an append-only, tamper-evident JSONL
// chain. Component packages (chain, registry, lifecycle, index, query,
// server, daemon) build on the types in this package.
package useaid

// Version is reported by the health endpoint and the CLI, and is compared
// during bind-contention handling to decide whether an already-running
// daemon should be left alone.
const Version = "0.4.2"
