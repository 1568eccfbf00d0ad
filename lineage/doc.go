// Package lineage implements the kernel's tamper-evident audit trail: an
// append-only, hash-linked sequence of event blocks anchored by a genesis
// block that embeds the hashes of the system's founding documents.
//
// Every block carries the SHA-256 hash of its own canonical serialization
// and the hash of the previous block. Mutating any stored byte breaks
// verification, and verification failures are treated as security
// incidents: a chain that does not verify at open time refuses to open.
//
// All writes go through a single Chain, which serializes Append calls
// behind one mutex. Without single-writer discipline the read-latest-hash
// then write-new-block sequence can fork the chain.
package lineage
