// Package storage persists subscriptions, the season ledger, access tokens
// and cached upstream responses.
//
// Drivers:
//   - sqlite: five tables created from migrations.sql
//   - memory: maps guarded by a mutex
//
// Tokens and responses can be moved to redis with WithCache.
package storage
