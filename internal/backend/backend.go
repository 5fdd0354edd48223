package backend

import "context"

// NotExist is the size Query reports for a remote name that has no node.
const NotExist int64 = -1

// Backend is the storage contract the backup workflows call into.
// Remote names are flat file names inside the backend's target location.
//
// Implementations keep per-instance state (caches, credentials) and are not
// safe for concurrent use.
type Backend interface {
	// Put uploads the local file at source under remoteName, replacing any
	// existing file with that name.
	Put(ctx context.Context, source, remoteName string) error

	// Get downloads remoteName into the local file at target.
	Get(ctx context.Context, remoteName, target string) error

	// Query returns the size in bytes of remoteName, or NotExist.
	Query(ctx context.Context, remoteName string) (int64, error)

	// List returns the names of all files in the target location.
	List(ctx context.Context) ([]string, error)

	// Delete removes remoteName.
	Delete(ctx context.Context, remoteName string) error

	// Name returns the backend identifier (e.g. "clouddrive", "azure").
	Name() string
}
