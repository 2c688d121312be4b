// Package domain holds the pledge model shared by every layer: the Pledge
// record, submission requests and results, the ranked Snapshot, the sentinel
// errors the HTTP layer maps to error types, and the SubmissionLedger and
// SnapshotSource contracts. It has no dependencies on other internal packages.
package domain
