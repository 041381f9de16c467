// Package drive models the replicated drive a peer shares with the service.
//
// A Bundle is the read side of a remote tree that becomes visible
// incrementally: writes arrive staged and are published by Commit, which fires
// an update signal. An Archive is the per-job response store the service fills
// and replicates back to the peer. Both live in memory on go-billy's memfs.
package drive
