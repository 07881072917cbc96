// Package decision records human-in-the-loop approval requests.
//
// # Overview
//
// A Decision is a typed question an agent or tool asks a human before it
// continues: a yes/no (binary), a pick-one (choice), a free-form answer
// (text) or an explicit go-ahead (confirmation). Decisions start pending
// and leave that state exactly once, either because someone responded or
// because their timeout elapsed.
//
// # Storage
//
// Two Store implementations exist:
//
//   - MemoryStore: a mutex-guarded map, lost on restart
//   - SQLiteStore: a table in the gateway database (modernc.org/sqlite)
//
// Both resolve with compare-and-swap semantics. Respond and Expire only
// succeed while the decision is pending and return nil otherwise, so a late
// or duplicate response never overwrites an earlier one.
//
// # Expiry
//
// Expiry is advisory. Nothing sweeps the store in the background; the
// Service checks Decision.Expired on read and respond and moves timed-out
// decisions to expired through Store.Expire.
//
// # Rendering
//
// The markdown question is rendered to HTML with goldmark when the decision
// is created and stored alongside it as questionHtml.
package decision
