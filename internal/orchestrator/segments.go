package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scriptboard/canvas/internal/model"
)

// SegmentsRequest asks for a script to be split into segments. The target
// collection must exist before the job starts.
type SegmentsRequest struct {
	ProjectID    string `json:"projectId" validate:"required"`
	ScriptID     string `json:"scriptId" validate:"required"`
	CollectionID string `json:"collectionId" validate:"required"`
	ScriptText   string `json:"scriptText" validate:"required"`
	NumSegments  int    `json:"numSegments" validate:"min=1,max=100"`
}

// Segments generates the segments of a collection
type Segments struct {
	o        *Orchestrator
	entities Entities
}

func NewSegments(o *Orchestrator, entities Entities) *Segments {
	return &Segments{o: o, entities: entities}
}

func (s *Segments) Type() model.JobType { return model.JobTypeSegments }

func (s *Segments) Generate(ctx context.Context, req SegmentsRequest) (string, error) {
	meta := map[string]any{
		model.MetaProjectID:    req.ProjectID,
		model.MetaScriptID:     req.ScriptID,
		model.MetaCollectionID: req.CollectionID,
		model.MetaNumSegments:  req.NumSegments,
		model.MetaKind:         model.JobKindBatch,
	}
	body := model.SegmentsJobRequest{ScriptText: req.ScriptText, NumSegments: req.NumSegments}
	return s.o.start(ctx, s, body, meta)
}

// Resume reattaches persisted segment jobs
func (s *Segments) Resume(ctx context.Context) (int, error) {
	return s.o.Resume(ctx, s)
}

func (s *Segments) Indicators(rec model.JobRecord) []string {
	return []string{rec.MetaString(model.MetaScriptID), rec.MetaString(model.MetaCollectionID)}
}

func (s *Segments) Materialized(ctx context.Context, rec model.JobRecord) (bool, error) {
	existing, err := s.entities.ListSegments(ctx, rec.MetaString(model.MetaCollectionID))
	if err != nil {
		return false, err
	}
	return len(existing) > 0, nil
}

// Materialize creates the segments one at a time so they land in index order.
func (s *Segments) Materialize(ctx context.Context, rec model.JobRecord, result json.RawMessage) (int, error) {
	items, err := parseItems(result)
	if err != nil {
		return 0, err
	}
	if want := rec.MetaInt(model.MetaNumSegments); want > 0 && len(items) > want {
		items = items[:want]
	}
	if len(items) == 0 {
		return 0, ErrEmptyResult
	}

	collectionID := rec.MetaString(model.MetaCollectionID)
	for i, text := range items {
		seg := model.Segment{CollectionID: collectionID, Index: i, Text: text}
		if _, err := s.entities.CreateSegment(ctx, seg); err != nil {
			return i, fmt.Errorf("create segment %d: %w", i, err)
		}
	}
	return len(items), nil
}
