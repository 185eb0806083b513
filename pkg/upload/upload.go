// Package upload pushes run results and deployment artifacts to
// S3-compatible storage.
package upload

import "context"

// Uploader uploads run output to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and
	// writable. Writes a small test object to the bucket to fail fast
	// on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadDir uploads all files in localDir. The directory basename
	// is used as a sub-prefix under the configured remote prefix.
	UploadDir(ctx context.Context, localDir string) error

	// UploadFile uploads a single file and returns the object key it
	// was stored under.
	UploadFile(ctx context.Context, localPath string) (string, error)
}
