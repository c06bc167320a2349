package model

// ByteRange is an optional sub-range of a segment resource, from the
// playlist's EXT-X-BYTERANGE tag. Offsets are absolute: when the tag omits
// one, the parser continues from the end of the previous segment's range.
type ByteRange struct {
	Length int64 `json:"length"`
	Offset int64 `json:"offset"`
}

// Segment is one media segment of the presentation. Sequence numbers are
// assigned at parse time and strictly increase across the plan.
type Segment struct {
	Sequence      int        `json:"sequence"`
	URI           string     `json:"uri"`
	Duration      float64    `json:"duration"`
	ByteRange     *ByteRange `json:"byte_range,omitempty"`
	Discontinuity bool       `json:"discontinuity,omitempty"`
}

// SegmentPlan is the parsed, immutable view of a VOD playlist.
type SegmentPlan struct {
	Version        int       `json:"version"`
	TargetDuration int       `json:"target_duration"`
	MediaSequence  int       `json:"media_sequence"`
	Segments       []Segment `json:"segments"`
	Ended          bool      `json:"ended"`
}

// TotalDuration is the declared duration of all segments, in seconds.
func (p *SegmentPlan) TotalDuration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// Part is a maximal contiguous run of segments between two discontinuities.
// Parts are the unit of independent remuxing; IDs are ascending ordinals
// starting at 0.
type Part struct {
	ID       int
	Segments []Segment
	Status   string
}

// Job is one pipeline invocation, tracked by the batch controller.
type Job struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	Output    string `json:"output"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}
