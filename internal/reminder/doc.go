// Package reminder arms, cancels and fires appointment reminders.
//
// A reminder fires LeadTime before the appointment starts, and only when the
// appointment is on the establishment's current local day. Reminders are
// delivered through a webhook; scheduler state lives in memory and is rebuilt
// from the appointment store on start and on every rescan, with the storage
// ledger preventing a second delivery after a restart.
package reminder
