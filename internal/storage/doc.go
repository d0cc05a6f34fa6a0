// Package storage persists the delivery log (every terminal job outcome) and
// admission dedup keys so the dedup window survives restarts.
//
// It is an audit trail, not a queue: queued jobs are never written here.
package storage
