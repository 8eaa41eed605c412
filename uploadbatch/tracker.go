package uploadbatch

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

type batchTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newBatchTracker(tracker analytics.Tracker, logger log.Logger) batchTracker {
	return batchTracker{
		tracker: tracker,
		logger:  logger,
	}
}

// NewDefaultTracker sends the events of a batch to the analytics backend.
func NewDefaultTracker(input Input, logger log.Logger) analytics.Tracker {
	p := analytics.Properties{
		"batch_id":    input.BatchID,
		"compress":    input.Compress,
		"concurrency": input.Concurrency,
	}
	return analytics.NewDefaultTracker(logger, p)
}

func (t *batchTracker) logFileUploaded(result Result) {
	properties := analytics.Properties{
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Size,
		"compressed":        result.Compressed,
		"source_kind":       result.SourceKind,
	}
	t.tracker.Enqueue("drive_upload_file_uploaded", properties)
}

func (t *batchTracker) logFileFailed(result Result) {
	properties := analytics.Properties{
		"upload_time_s": result.Duration.Truncate(time.Second).Seconds(),
		"source_kind":   result.SourceKind,
		"error":         result.Err.Error(),
	}
	t.tracker.Enqueue("drive_upload_file_failed", properties)
}

func (t *batchTracker) logBatchFinished(duration time.Duration, fileCount, failedCount int, bytesSent int64) {
	properties := analytics.Properties{
		"batch_time_s": duration.Truncate(time.Second).Seconds(),
		"file_count":   fileCount,
		"failed_count": failedCount,
		"bytes_sent":   bytesSent,
	}
	t.tracker.Enqueue("drive_upload_batch_finished", properties)
}

func (t *batchTracker) wait() {
	t.tracker.Wait()
}

type noopTracker struct{}

func (noopTracker) Enqueue(string, ...analytics.Properties) {}

func (noopTracker) Wait() {}
