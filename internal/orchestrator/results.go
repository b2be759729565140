package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/scriptboard/canvas/internal/model"
)

// Entities is the slice of the REST API the features write results to
type Entities interface {
	ListSegments(ctx context.Context, collectionID string) ([]model.Segment, error)
	CreateSegment(ctx context.Context, seg model.Segment) (model.Segment, error)
	ListVisuals(ctx context.Context, visualSetID string) ([]model.Visual, error)
	CreateVisual(ctx context.Context, v model.Visual) (model.Visual, error)
	ListSketches(ctx context.Context, storyboardID string) ([]model.StoryboardSketch, error)
	CreateSketch(ctx context.Context, s model.StoryboardSketch) (model.StoryboardSketch, error)
}

// createLimit bounds concurrent entity creation for one result
const createLimit = 4

// parseItems reads a result that is a string, an array of strings, an array
// of {content} objects, or a mix of the last two.
func parseItems(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: result is neither string nor array", ErrMalformedFrame)
	}
	items := make([]string, 0, len(list))
	for i, el := range list {
		var s string
		if err := json.Unmarshal(el, &s); err == nil {
			items = append(items, s)
			continue
		}
		var obj model.GeneratedItem
		if err := json.Unmarshal(el, &obj); err != nil {
			return nil, fmt.Errorf("%w: result item %d", ErrMalformedFrame, i)
		}
		items = append(items, obj.Content)
	}
	return items, nil
}

func containsAny(set []string, ids ...string) bool {
	for _, s := range set {
		for _, id := range ids {
			if s == id && id != "" {
				return true
			}
		}
	}
	return false
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
