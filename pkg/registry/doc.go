/*
Package registry resolves, downloads, caches, and verifies component
packages by content hash, with a deterministic lockfile.

Install precedence: a lockfile entry matching the requirement pins the
version and the cached copy must re-hash to the locked value (a
mismatch evicts and re-fetches); the local filesystem registry serves
hash-verified copies next; finally the resolver solves the dependency
closure against the remote catalogue, each download is verified
against the published hash, and the closure is pinned into the
lockfile. The lockfile serialization is canonical — sorted entries,
fixed field order, LF endings, trailing newline, SHA-256 integrity
footer — so the same inputs produce byte-identical files on any
machine.
*/
package registry
