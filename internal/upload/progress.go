package upload

import (
	"time"
)

// ProgressSample is a point-in-time snapshot of transfer metrics delivered to
// the progress callback.
type ProgressSample struct {
	LoadedBytes int64         // Bytes covered so far (including chunks from earlier attempts)
	TotalBytes  int64         // Total payload size
	Elapsed     time.Duration // Wall-clock time since the transfer started
	BytesPerSec float64       // Transfer speed for this session; 0 when unknown
	ETA         time.Duration // Estimated time remaining; 0 when speed is unknown
	Percent     int           // Reported percentage, capped at 99 until the final combine
}

// progressTracker accumulates transfer metrics for one upload session.
// Speed reflects only bytes moved in this session so that a resumed transfer
// doesn't report inflated throughput from chunks uploaded before a restart.
type progressTracker struct {
	totalBytes   int64
	loadedBytes  int64 // includes chunks recorded by earlier attempts
	sessionBytes int64 // uploaded during this session
	startedAt    time.Time
	onProgress   func(ProgressSample)

	// now is replaceable in tests.
	now func() time.Time
}

func newProgressTracker(totalBytes, alreadyLoaded int64, onProgress func(ProgressSample)) *progressTracker {
	t := &progressTracker{
		totalBytes:  totalBytes,
		loadedBytes: alreadyLoaded,
		onProgress:  onProgress,
		now:         time.Now,
	}
	t.startedAt = t.now()
	return t
}

// add records n uploaded bytes and emits a sample with the percentage capped
// at 99; the 100% sample is reserved for finish.
func (t *progressTracker) add(n int64) {
	t.loadedBytes += n
	t.sessionBytes += n
	t.emit(false)
}

// finish emits the final 100% sample after the combine step succeeds.
func (t *progressTracker) finish() {
	t.loadedBytes = t.totalBytes
	t.emit(true)
}

func (t *progressTracker) emit(final bool) {
	if t.onProgress == nil {
		return
	}

	elapsed := t.now().Sub(t.startedAt)

	var speed float64
	if elapsed > 0 && t.sessionBytes > 0 {
		speed = float64(t.sessionBytes) / elapsed.Seconds()
	}

	var eta time.Duration
	if speed > 0 {
		remaining := t.totalBytes - t.loadedBytes
		if remaining > 0 {
			eta = time.Duration(float64(remaining) / speed * float64(time.Second))
		}
	}

	percent := 100
	if !final {
		if t.totalBytes > 0 {
			percent = int(t.loadedBytes * 100 / t.totalBytes)
		}
		if percent > 99 {
			percent = 99
		}
	}

	t.onProgress(ProgressSample{
		LoadedBytes: t.loadedBytes,
		TotalBytes:  t.totalBytes,
		Elapsed:     elapsed,
		BytesPerSec: speed,
		ETA:         eta,
		Percent:     percent,
	})
}
