// Package alert defines Warden's domain model: watch-list/adverse-media alerts,
// their review state, the audit actions recorded against them, the notifications
// raised for reviewers, the SLA policy, and the typed errors every layer shares.
package alert
