// Package catalog is the durable, discoverable registry of rendered sketches.
//
// The catalog is a git repository. Every publication writes
// <identity>/index.html and the pointer sketch/<identity> and records both in
// a single commit, so a reader never sees one without the other. A failed
// write is rolled back to the previous revision.
//
// The catalog owns a long-lived ed25519 key pair. Its public key is what peers
// use to find the catalog; DiscoveryKey derives the topic announced to the
// swarm from it.
package catalog
