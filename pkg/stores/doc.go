// Package stores persists executions, their tracked processes and an audit
// trail in SQLite.
//
// The store is the single source of truth for execution status. Writes that
// move an execution out of a status are conditional on that status, and
// status changes that also touch process rows run in one transaction, so a
// kill racing a natural completion is settled by whichever commits first.
// The loser gets ErrPreconditionFailed.
//
// The schema is managed by golang-migrate from embedded SQL files and runs
// on the pure-Go modernc.org/sqlite driver in WAL mode.
package stores
