// Package progress renders live download and merge progress. Pipeline
// stages publish events through the Sink interface; the terminal dashboard
// is one implementation, and tests run against the no-op one.
package progress

// Sink receives pipeline events. Implementations must be safe for
// concurrent use; download workers publish from multiple goroutines.
type Sink interface {
	// Stage announces the pipeline stage now running ("downloading",
	// "remuxing part 3", "concatenating", ...).
	Stage(name string)
	// SegmentDone reports one finished segment. reused is true when the
	// segment was verified on disk and no network call was made.
	SegmentDone(sequence int, bytes int64, reused bool)
	// SegmentFailed reports a segment whose retries are exhausted.
	SegmentFailed(sequence int)
	// PartDone reports a part whose every segment succeeded.
	PartDone(partID int)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Stage(string)                 {}
func (NopSink) SegmentDone(int, int64, bool) {}
func (NopSink) SegmentFailed(int)            {}
func (NopSink) PartDone(int)                 {}
