// Package testutils provides test helpers shared across packages.
//
// Key components:
//   - MemStore: an in-memory implementation of every store interface, with
//     transaction rollback and error injection
//   - FileArchive: a disk-backed stand-in for the S3 raw bounce archive
//   - SetupTestDatabase: a migrated Postgres database for integration tests
//
// Example usage:
//
//	store := testutils.NewMemStore()
//	uid := store.AddSubscriber("someone@example.com", true)
package testutils
