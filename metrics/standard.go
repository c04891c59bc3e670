package metrics

// Pre-defined metrics for the encode/download/crawl subsystems. All metrics
// live in DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Encoder metrics ----

	// SharesSent counts blocks successfully pushed to a shareholder.
	SharesSent = DefaultRegistry.Counter("encoder.shares_sent")
	// SharesLost counts shareholders marked dead during an upload.
	SharesLost = DefaultRegistry.Counter("encoder.shares_lost")
	// UploadsAborted counts uploads that failed the happiness threshold.
	UploadsAborted = DefaultRegistry.Counter("encoder.uploads_aborted")
	// SegmentEncodeTime records FEC-encode duration per segment in milliseconds.
	SegmentEncodeTime = DefaultRegistry.Histogram("encoder.segment_encode_ms")
	// LiveShareholders tracks the current number of live shareholders mid-upload.
	LiveShareholders = DefaultRegistry.Gauge("encoder.live_shareholders")

	// ---- Downloader metrics ----

	// SharesFetched counts blocks successfully fetched from a share reader.
	SharesFetched = DefaultRegistry.Counter("downloader.shares_fetched")
	// SourceFailures counts per-source failures that triggered failover.
	SourceFailures = DefaultRegistry.Counter("downloader.source_failures")
	// DownloadsFailed counts downloads that exhausted all sources.
	DownloadsFailed = DefaultRegistry.Counter("downloader.downloads_failed")
	// SegmentDecodeTime records FEC-decode duration per segment in milliseconds.
	SegmentDecodeTime = DefaultRegistry.Histogram("downloader.segment_decode_ms")
	// ValidatedShares tracks the number of validated readers for the active download.
	ValidatedShares = DefaultRegistry.Gauge("downloader.validated_shares")

	// ---- Crawler metrics ----

	// BucketsVisited counts buckets delivered to process_bucket.
	BucketsVisited = DefaultRegistry.Counter("crawler.buckets_visited")
	// PrefixesCompleted counts prefix directories fully drained.
	PrefixesCompleted = DefaultRegistry.Counter("crawler.prefixes_completed")
	// CyclesCompleted counts full traversals of the 1024 prefixes.
	CyclesCompleted = DefaultRegistry.Counter("crawler.cycles_completed")
	// TimeSlicesExceeded counts slices that hit the cpu_slice wall-clock cap.
	TimeSlicesExceeded = DefaultRegistry.Counter("crawler.time_slices_exceeded")
	// SliceWorkTime records wall-clock time spent working per slice in milliseconds.
	SliceWorkTime = DefaultRegistry.Histogram("crawler.slice_work_ms")
	// SleepDuration tracks the most recently scheduled inter-slice sleep in milliseconds.
	SleepDuration = DefaultRegistry.Gauge("crawler.sleep_ms")
)
