// Package app provides the application service layer.
//
// Service is the submission gatekeeper: it runs every submission through an
// ordered gate pipeline (rate limit, validation, duplicate identity, capacity,
// commit) and owns the pledge store and rate-limit ledger behind one mutex.
// LedgerJanitor and MemoryGuard are the background loops around it.
package app
