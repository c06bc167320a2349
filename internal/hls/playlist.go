// Package hls fetches and parses single-rendition VOD playlists into a
// typed segment plan, and writes the minimal local playlists handed to the
// media engine for per-part remuxing.
package hls

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"hlsget/internal/model"
)

// ManifestError reports a playlist that cannot be turned into a usable
// segment plan. Manifest errors are job-fatal and never retried.
type ManifestError struct {
	URL    string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.URL, e.Reason)
}

func manifestErrorf(manifestURL, format string, v ...any) error {
	return &ManifestError{URL: manifestURL, Reason: fmt.Sprintf(format, v...)}
}

// Parse turns playlist bytes into a SegmentPlan. Segment URIs are resolved
// against base, the URL the playlist itself was fetched from. A master
// playlist (variant index) or an encrypted playlist is rejected.
func Parse(base *url.URL, data []byte) (*model.SegmentPlan, error) {
	manifestURL := base.String()
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(strings.TrimPrefix(lines[0], "\uFEFF")) != "#EXTM3U" {
		return nil, manifestErrorf(manifestURL, "missing #EXTM3U header")
	}

	plan := &model.SegmentPlan{Version: 1}
	var (
		pendingDuration float64
		pendingRange    *model.ByteRange
		haveSegmentTag  bool
		discontinuity   bool
		targetDurSeen   bool
		lastRangeEnd    int64 = -1
	)

	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "#") {
			if !haveSegmentTag {
				return nil, manifestErrorf(manifestURL, "segment URI %q without preceding #EXTINF", line)
			}
			ref, err := url.Parse(line)
			if err != nil {
				return nil, manifestErrorf(manifestURL, "invalid segment URI %q: %v", line, err)
			}
			seg := model.Segment{
				Sequence:      len(plan.Segments),
				URI:           base.ResolveReference(ref).String(),
				Duration:      pendingDuration,
				ByteRange:     pendingRange,
				Discontinuity: discontinuity,
			}
			if pendingRange != nil {
				lastRangeEnd = rangeEnd(pendingRange, lastRangeEnd)
			}
			plan.Segments = append(plan.Segments, seg)
			pendingDuration = 0
			pendingRange = nil
			haveSegmentTag = false
			discontinuity = false
			continue
		}

		tag, attrs, _ := strings.Cut(line, ":")
		switch tag {
		case "#EXT-X-STREAM-INF":
			return nil, manifestErrorf(manifestURL,
				"this is a master playlist offering multiple renditions; "+
					"pass the URL of one media playlist instead (rendition selection is not supported)")
		case "#EXT-X-VERSION":
			v, err := strconv.Atoi(strings.TrimSpace(attrs))
			if err != nil {
				return nil, manifestErrorf(manifestURL, "unparsable #EXT-X-VERSION %q", attrs)
			}
			plan.Version = v
		case "#EXT-X-TARGETDURATION":
			v, err := strconv.Atoi(strings.TrimSpace(attrs))
			if err != nil {
				return nil, manifestErrorf(manifestURL, "unparsable #EXT-X-TARGETDURATION %q", attrs)
			}
			plan.TargetDuration = v
			targetDurSeen = true
		case "#EXT-X-MEDIA-SEQUENCE":
			v, err := strconv.Atoi(strings.TrimSpace(attrs))
			if err != nil {
				return nil, manifestErrorf(manifestURL, "unparsable #EXT-X-MEDIA-SEQUENCE %q", attrs)
			}
			plan.MediaSequence = v
		case "#EXTINF":
			durText, _, _ := strings.Cut(attrs, ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(durText), 64)
			if err != nil {
				return nil, manifestErrorf(manifestURL, "unparsable #EXTINF duration %q", durText)
			}
			pendingDuration = d
			haveSegmentTag = true
		case "#EXT-X-BYTERANGE":
			br, err := parseByteRange(attrs, lastRangeEnd)
			if err != nil {
				return nil, manifestErrorf(manifestURL, "%v", err)
			}
			pendingRange = br
		case "#EXT-X-DISCONTINUITY":
			discontinuity = true
		case "#EXT-X-KEY":
			if method := keyMethod(attrs); method != "" && method != "NONE" {
				return nil, manifestErrorf(manifestURL,
					"playlist is encrypted (%s); decryption is not supported", method)
			}
		case "#EXT-X-ENDLIST":
			plan.Ended = true
		}
	}

	if !targetDurSeen {
		return nil, manifestErrorf(manifestURL, "missing mandatory #EXT-X-TARGETDURATION")
	}
	if len(plan.Segments) == 0 {
		return nil, manifestErrorf(manifestURL, "empty playlist")
	}
	return plan, nil
}

func parseByteRange(attrs string, lastEnd int64) (*model.ByteRange, error) {
	lenText, offText, hasOff := strings.Cut(strings.TrimSpace(attrs), "@")
	length, err := strconv.ParseInt(lenText, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("unparsable #EXT-X-BYTERANGE length %q", lenText)
	}
	if hasOff {
		offset, err := strconv.ParseInt(offText, 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("unparsable #EXT-X-BYTERANGE offset %q", offText)
		}
		return &model.ByteRange{Length: length, Offset: offset}, nil
	}
	if lastEnd < 0 {
		return nil, fmt.Errorf("#EXT-X-BYTERANGE without offset and no previous range")
	}
	return &model.ByteRange{Length: length, Offset: lastEnd}, nil
}

func rangeEnd(br *model.ByteRange, prev int64) int64 {
	if br == nil {
		return prev
	}
	return br.Offset + br.Length
}

func keyMethod(attrs string) string {
	for _, attr := range strings.Split(attrs, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(attr), "=")
		if ok && strings.EqualFold(name, "METHOD") {
			return strings.ToUpper(strings.Trim(value, `"`))
		}
	}
	return ""
}

// PlaylistEntry is one line pair of a generated local playlist.
type PlaylistEntry struct {
	URI      string
	Duration float64
}

// WritePlaylist emits a bare HLSv3 media playlist. EXT-X-TARGETDURATION and
// per-segment EXTINF are the only mandatory tags; version 3 permits
// floating-point durations.
func WritePlaylist(w io.Writer, targetDuration int, entries []PlaylistEntry) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%g,\n%s\n", e.Duration, e.URI)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	_, err := io.WriteString(w, b.String())
	return err
}
