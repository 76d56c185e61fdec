// Package pipeline runs uploaded videos through the transcode ladder.
//
// The Orchestrator owns a job from the moment its record exists in
// processing status until it is ready or error. It encodes every profile
// with bounded concurrency, keeps going when individual profiles fail,
// writes the master playlist over the renditions that succeeded, persists
// the outcome in one store update and finally removes the staged upload.
//
// The Dispatcher decouples upload handlers from that work: Submit hands a
// Task to a fixed pool of workers and returns immediately. Recover requeues
// jobs a previous process left in processing.
package pipeline
