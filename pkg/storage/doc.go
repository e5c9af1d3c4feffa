// Package storage provides the durable backends behind apikey.Repository.
//
// Three implementations ship: PostgreSQL (production), SQLite (single-node
// and embedded deployments), and an in-memory store for tests and local
// development. All three enforce the same contract: unique digests, atomic
// usage increments, and transactional rotation linking.
package storage
