package model

import "fmt"

// BuildParts partitions a plan's segment list at discontinuity boundaries.
// A new part starts at the first segment and at every segment whose
// discontinuity flag is set, so a flag on an interior segment adds one
// part while a leading flag is absorbed by the first part. The result
// always covers the plan exactly, in original order.
func BuildParts(plan *SegmentPlan) ([]*Part, error) {
	if plan == nil || len(plan.Segments) == 0 {
		return nil, fmt.Errorf("empty segment plan")
	}

	var parts []*Part
	var current *Part
	for _, seg := range plan.Segments {
		if current == nil || seg.Discontinuity {
			current = &Part{ID: len(parts), Status: PartPlanned}
			parts = append(parts, current)
		}
		current.Segments = append(current.Segments, seg)
	}

	if err := validateParts(plan, parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func validateParts(plan *SegmentPlan, parts []*Part) error {
	idx := 0
	for _, part := range parts {
		if len(part.Segments) == 0 {
			return fmt.Errorf("part %d is empty", part.ID)
		}
		prev := -1
		for _, seg := range part.Segments {
			if idx >= len(plan.Segments) || seg.Sequence != plan.Segments[idx].Sequence {
				return fmt.Errorf("part %d does not cover the plan at segment %d", part.ID, seg.Sequence)
			}
			if seg.Sequence <= prev {
				return fmt.Errorf("part %d: sequence %d not strictly increasing", part.ID, seg.Sequence)
			}
			prev = seg.Sequence
			idx++
		}
	}
	if idx != len(plan.Segments) {
		return fmt.Errorf("parts cover %d of %d segments", idx, len(plan.Segments))
	}
	return nil
}
