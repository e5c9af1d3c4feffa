// Package audit emits lifecycle audit notifications for API key
// operations (issue, rotate, revoke, reminders).
//
// This service is a producer only: events are handed to a Notifier and
// forgotten. Storage format, querying, and retention are owned by the
// audit collaborator. Three notifiers ship here: log-backed (structured
// service log), database-backed (append-only postgres table), and a
// fan-out combinator.
package audit
