package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/scriptboard/canvas/internal/model"
)

const metaVisualIndex = "visualIndex"
const metaVisualID = "visualId"

// VisualInput is one visual a sketch is drawn from
type VisualInput struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text" validate:"required"`
}

// SketchesRequest asks for storyboard sketches for one or more visuals
type SketchesRequest struct {
	ProjectID    string        `json:"projectId" validate:"required"`
	StoryboardID string        `json:"storyboardId" validate:"required"`
	Kind         string        `json:"kind" validate:"omitempty,oneof=single batch"`
	Style        string        `json:"style"`
	Visuals      []VisualInput `json:"visuals" validate:"required,min=1,dive"`
}

// Sketches generates the sketches of a storyboard. Single and batch jobs
// share one meta layout; a single job is a batch of one.
type Sketches struct {
	o        *Orchestrator
	entities Entities
}

func NewSketches(o *Orchestrator, entities Entities) *Sketches {
	return &Sketches{o: o, entities: entities}
}

func (s *Sketches) Type() model.JobType { return model.JobTypeStoryboardSketch }

func (s *Sketches) Generate(ctx context.Context, req SketchesRequest) (string, error) {
	if len(req.Visuals) == 0 {
		return "", fmt.Errorf("sketch job without visuals")
	}
	kind := req.Kind
	if kind == "" {
		kind = model.JobKindBatch
		if len(req.Visuals) == 1 {
			kind = model.JobKindSingle
		}
	}
	inputs := req.Visuals
	if kind == model.JobKindSingle {
		inputs = inputs[:1]
	}

	ids := make([]string, len(inputs))
	texts := make([]string, len(inputs))
	for i, vis := range inputs {
		ids[i] = vis.ID
		texts[i] = vis.Text
	}
	meta := map[string]any{
		model.MetaProjectID:    req.ProjectID,
		model.MetaStoryboardID: req.StoryboardID,
		model.MetaKind:         kind,
		model.MetaVisualIDs:    ids,
		model.MetaVisualTexts:  texts,
	}
	body := model.SketchJobRequest{Visuals: texts, Style: req.Style}
	return s.o.start(ctx, s, body, meta)
}

func (s *Sketches) Resume(ctx context.Context) (int, error) {
	return s.o.Resume(ctx, s)
}

func (s *Sketches) Indicators(rec model.JobRecord) []string {
	return append([]string{rec.MetaString(model.MetaStoryboardID)}, rec.MetaStrings(model.MetaVisualIDs)...)
}

func (s *Sketches) Materialized(ctx context.Context, rec model.JobRecord) (bool, error) {
	existing, err := s.entities.ListSketches(ctx, rec.MetaString(model.MetaStoryboardID))
	if err != nil {
		return false, err
	}
	ids := rec.MetaStrings(model.MetaVisualIDs)
	for _, sk := range existing {
		if containsAny(ids, metaString(sk.Metadata, metaVisualID)) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Sketches) Materialize(ctx context.Context, rec model.JobRecord, result json.RawMessage) (int, error) {
	items, err := parseItems(result)
	if err != nil {
		return 0, err
	}
	ids := rec.MetaStrings(model.MetaVisualIDs)
	n := min(len(items), len(ids))
	if n == 0 {
		return 0, ErrEmptyResult
	}

	storyboardID := rec.MetaString(model.MetaStoryboardID)
	var created atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(createLimit)
	for i := 0; i < n; i++ {
		sketch := model.StoryboardSketch{
			StoryboardID: storyboardID,
			Content:      items[i],
			Metadata: map[string]any{
				metaVisualIndex: i,
				metaVisualID:    ids[i],
			},
		}
		g.Go(func() error {
			if _, err := s.entities.CreateSketch(gctx, sketch); err != nil {
				return fmt.Errorf("create sketch %d: %w", i, err)
			}
			created.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(created.Load()), err
}
