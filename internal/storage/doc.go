package storage

// Package storage persists sync results.
//
// It currently supports:
//   - Fetched payload bodies (one record per finished task)
//   - Task history appends (terminal status, attempts, duration)
