// Package core holds the shared data model of the agenthive kernel: the
// Exchange entries that make up agent memory, the Message records routed
// between mailboxes, and the process-wide AvailabilitySignal that gates all
// model calls.
//
// core deliberately has no dependency on any other kernel package so every
// component (capability, mailbox, monitor, agent, world) can share these types
// without import cycles.
package core
