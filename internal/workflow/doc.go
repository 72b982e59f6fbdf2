// Package workflow implements the alert lifecycle: the engine that runs every
// review command, the router that picks reviewers and raises notifications,
// the audit trail, and the SLA sweep. Persistence is behind Store; memstore
// and pgstore provide implementations.
package workflow
