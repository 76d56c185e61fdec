package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// profileLabels is the configured rendition ladder.
func InitializeMetrics(profileLabels []string) {
	for _, status := range []string{"ready", "error", "interrupted"} {
		JobsTotal.WithLabelValues(status)
		JobDuration.WithLabelValues(status)
	}

	for _, status := range []string{"processing", "ready", "error"} {
		JobsByStatus.WithLabelValues(status)
	}

	for _, label := range profileLabels {
		for _, status := range []string{"success", "failure", "timeout"} {
			RenditionEncodesTotal.WithLabelValues(label, status)
		}
		RenditionEncodeDuration.WithLabelValues(label)
	}

	for _, src := range []string{"video", "image"} {
		PosterGenerationsTotal.WithLabelValues(src, "success")
		PosterGenerationsTotal.WithLabelValues(src, "error")
	}

	for _, kind := range []string{"playlist", "segment", "poster"} {
		StreamBytesServed.WithLabelValues(kind)
	}
	for _, reason := range []string{"client_gone", "write_timeout", "canceled"} {
		StreamAborts.WithLabelValues(reason)
	}

	for _, kind := range []string{"upload", "stream"} {
		SweepRemovedTotal.WithLabelValues(kind)
	}

	for _, op := range []string{"create_job", "get_job", "list_jobs", "update_job", "count_by_status"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}

	for _, vol := range []string{"streams", "uploads", "database", "unknown"} {
		for _, op := range []string{"stat", "remove"} {
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
		}
	}
}
