/*
Package filesystem provides filesystem operations with automatic retry logic
for NFS stale file handle errors.

Upload staging and stream output directories are commonly network mounts.
ESTALE (errno 116) is retried with exponential backoff (default: 3 retries,
50ms doubling up to 500ms); every other error fails immediately.

	// Remove an uploaded source once its job is terminal
	if err := filesystem.RemoveWithRetry(path, filesystem.DefaultRetryConfig()); err != nil {
	    logging.Warn("cleanup failed: %v", err)
	}

A VolumeResolver labels paths as "streams", "uploads" or "database" for the
retry metrics reported through the package Observer.
*/
package filesystem
