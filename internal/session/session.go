// Package session owns the mapping between live connections and
// authenticated identities. The Registry is the single in-process table of
// Session records; rooms and presence hold session IDs, never references,
// so teardown is one table removal. The Store mirrors session state into
// Redis for cross-instance visibility.
package session
