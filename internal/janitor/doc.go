// Package janitor removes files that no job owns any more.
//
// A crash between staging an upload and recording its job, or between
// creating a job's stream directory and recording the job, leaves files
// that nothing else will delete. The [Sweeper] periodically removes:
//
//   - files in the upload directory older than the grace period that no
//     processing job references as its source or staged poster
//   - directories under the streams root older than the grace period whose
//     job id is unknown to the store
//
// Jobs that failed are cleaned up by the pipeline itself.
package janitor
