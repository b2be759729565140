package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/scriptboard/canvas/internal/model"
)

// SegmentInput is one segment a visual is generated for
type SegmentInput struct {
	ID    string `json:"id" validate:"required"`
	Text  string `json:"text" validate:"required"`
	Index int    `json:"index"`
}

// VisualsRequest asks for visuals for one segment (kind single) or for a
// list of segments (kind batch). Kind defaults from the number of segments.
type VisualsRequest struct {
	ProjectID         string         `json:"projectId" validate:"required"`
	VisualDirectionID string         `json:"visualDirectionId" validate:"required"`
	VisualSetID       string         `json:"visualSetId" validate:"required"`
	Kind              string         `json:"kind" validate:"omitempty,oneof=single batch"`
	Style             string         `json:"style"`
	Segments          []SegmentInput `json:"segments" validate:"required,min=1,dive"`
}

// Visuals generates the visuals of a visual direction
type Visuals struct {
	o        *Orchestrator
	entities Entities
}

func NewVisuals(o *Orchestrator, entities Entities) *Visuals {
	return &Visuals{o: o, entities: entities}
}

func (v *Visuals) Type() model.JobType { return model.JobTypeVisuals }

func (v *Visuals) Generate(ctx context.Context, req VisualsRequest) (string, error) {
	if len(req.Segments) == 0 {
		return "", fmt.Errorf("visuals job without segments")
	}
	kind := req.Kind
	if kind == "" {
		kind = model.JobKindBatch
		if len(req.Segments) == 1 {
			kind = model.JobKindSingle
		}
	}

	meta := map[string]any{
		model.MetaProjectID:         req.ProjectID,
		model.MetaVisualDirectionID: req.VisualDirectionID,
		model.MetaVisualSetID:       req.VisualSetID,
		model.MetaKind:              kind,
	}
	texts := make([]string, len(req.Segments))
	for i, seg := range req.Segments {
		texts[i] = seg.Text
	}

	if kind == model.JobKindSingle {
		seg := req.Segments[0]
		meta[model.MetaSegmentID] = seg.ID
		meta[model.MetaSegmentText] = seg.Text
		meta[model.MetaSegmentIndex] = seg.Index
		texts = texts[:1]
	} else {
		ids := make([]string, len(req.Segments))
		indexes := make([]int, len(req.Segments))
		for i, seg := range req.Segments {
			ids[i] = seg.ID
			indexes[i] = seg.Index
		}
		meta[model.MetaSegmentIDs] = ids
		meta[model.MetaSegmentIndexes] = indexes
		meta[model.MetaSegmentTexts] = texts
	}

	body := model.VisualsJobRequest{Segments: texts, Style: req.Style}
	return v.o.start(ctx, v, body, meta)
}

func (v *Visuals) Resume(ctx context.Context) (int, error) {
	return v.o.Resume(ctx, v)
}

func (v *Visuals) Indicators(rec model.JobRecord) []string {
	ids := []string{rec.MetaString(model.MetaVisualDirectionID)}
	if rec.MetaString(model.MetaKind) == model.JobKindSingle {
		return append(ids, rec.MetaString(model.MetaSegmentID))
	}
	return append(ids, rec.MetaStrings(model.MetaSegmentIDs)...)
}

func segmentIDs(rec model.JobRecord) []string {
	if rec.MetaString(model.MetaKind) == model.JobKindSingle {
		return []string{rec.MetaString(model.MetaSegmentID)}
	}
	return rec.MetaStrings(model.MetaSegmentIDs)
}

// Materialized reports whether the visual set already holds a visual for any
// of the job's segments
func (v *Visuals) Materialized(ctx context.Context, rec model.JobRecord) (bool, error) {
	existing, err := v.entities.ListVisuals(ctx, rec.MetaString(model.MetaVisualSetID))
	if err != nil {
		return false, err
	}
	ids := segmentIDs(rec)
	for _, vis := range existing {
		if containsAny(ids, metaString(vis.Metadata, model.MetaSegmentID)) {
			return true, nil
		}
	}
	return false, nil
}

// Materialize zips the result against the job's segments, clamped to the
// shorter of the two. Each visual records its segment position so the set
// can be re-sorted whatever order the creations land in.
func (v *Visuals) Materialize(ctx context.Context, rec model.JobRecord, result json.RawMessage) (int, error) {
	items, err := parseItems(result)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, ErrEmptyResult
	}

	setID := rec.MetaString(model.MetaVisualSetID)
	var visuals []model.Visual
	if rec.MetaString(model.MetaKind) == model.JobKindSingle {
		visuals = []model.Visual{{
			VisualSetID: setID,
			Content:     items[0],
			Metadata: map[string]any{
				model.MetaSegmentIndex: rec.MetaInt(model.MetaSegmentIndex),
				model.MetaSegmentID:    rec.MetaString(model.MetaSegmentID),
			},
		}}
	} else {
		ids := rec.MetaStrings(model.MetaSegmentIDs)
		indexes := rec.MetaInts(model.MetaSegmentIndexes)
		n := min(len(items), len(ids))
		visuals = make([]model.Visual, n)
		for i := 0; i < n; i++ {
			index := i
			if i < len(indexes) {
				index = indexes[i]
			}
			visuals[i] = model.Visual{
				VisualSetID: setID,
				Content:     items[i],
				Metadata: map[string]any{
					model.MetaSegmentIndex: index,
					model.MetaSegmentID:    ids[i],
				},
			}
		}
	}

	var created atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(createLimit)
	for _, vis := range visuals {
		g.Go(func() error {
			if _, err := v.entities.CreateVisual(gctx, vis); err != nil {
				return fmt.Errorf("create visual %v: %w", vis.Metadata[model.MetaSegmentIndex], err)
			}
			created.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(created.Load()), err
}
