// Package progress fans export progress out to every connected observer.
// A process-wide Broadcaster owns the observer registry, and each export
// session reports through its own Reporter, whose bounded queue keeps a slow
// observer from ever stalling traversal.
package progress
