// Package storage persists the reminder ledger.
//
// It records:
//   - Fired marks: which appointment reminders were already dispatched, so a
//     restart or rescan never fires the same reminder twice
//   - Dispatch audit entries: one row per webhook delivery attempt
package storage
