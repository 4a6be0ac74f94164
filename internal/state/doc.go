// Package state holds the synchronization snapshot shared between the BLE
// engine and whatever presents it.
//
// # Overview
//
// The engine is the only writer: the supervisor moves the phase, the link
// session records the device and counters, and notification callbacks update
// "today" as values arrive. Readers (the TUI, the websocket feed) either
// poll Snapshot on their own schedule or call Watch to be handed the latest
// value after each change.
//
//	engine goroutines            readers
//	┌──────────────────┐        ┌──────────────────┐
//	│ SetPhase         │        │ Snapshot()       │
//	│ SetDevice        │──────→ │ Watch()          │
//	│ SetToday/...     │ (mutex)│                  │
//	└──────────────────┘        └──────────────────┘
//
// # Invariants
//
//   - A linked device implies Scanning == false. SetDevice clears the flag,
//     SetPhase(PhaseScanning) leaves it clear until ReleaseDevice runs.
//   - Counter values are stored as received. The peripheral owns their
//     monotonicity, the store never second-guesses them.
//   - LastError is informational. The engine clears it when the next
//     connection attempt begins.
//
// Snapshots are returned by value with the Device pointer copied, so callers
// may hold onto them freely.
package state
