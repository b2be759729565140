package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/scriptboard/canvas/internal/model"
)

// Resource is the CRUD surface of one project-scoped entity collection:
// list/create under /projects/{id}/{name}, update/delete at /{name}/{id}.
type Resource[T model.Entity] struct {
	api  *API
	name string
}

func NewResource[T model.Entity](api *API, name string) *Resource[T] {
	return &Resource[T]{api: api, name: name}
}

func (r *Resource[T]) List(ctx context.Context, projectID string) ([]T, error) {
	var out []T
	path := fmt.Sprintf("/projects/%s/%s", url.PathEscape(projectID), r.name)
	if err := r.api.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resource[T]) Create(ctx context.Context, projectID string, entity T) (T, error) {
	var out T
	path := fmt.Sprintf("/projects/%s/%s", url.PathEscape(projectID), r.name)
	if err := r.api.do(ctx, http.MethodPost, path, entity, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Resource[T]) Update(ctx context.Context, entity T) (T, error) {
	var out T
	path := fmt.Sprintf("/%s/%s", r.name, url.PathEscape(entity.GetID()))
	if err := r.api.do(ctx, http.MethodPatch, path, entity, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	path := fmt.Sprintf("/%s/%s", r.name, url.PathEscape(id))
	return r.api.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *API) Scripts() *Resource[model.Script] {
	return NewResource[model.Script](c, model.TierScripts)
}

func (c *API) SegmentCollections() *Resource[model.SegmentCollection] {
	return NewResource[model.SegmentCollection](c, model.TierSegmentCollections)
}

func (c *API) VisualDirections() *Resource[model.VisualDirection] {
	return NewResource[model.VisualDirection](c, model.TierVisualDirections)
}

func (c *API) Storyboards() *Resource[model.Storyboard] {
	return NewResource[model.Storyboard](c, model.TierStoryboards)
}

// ListSegments returns the segments of a collection
func (c *API) ListSegments(ctx context.Context, collectionID string) ([]model.Segment, error) {
	var out []model.Segment
	path := fmt.Sprintf("/segment-collections/%s/segments", url.PathEscape(collectionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSegment adds a segment to a collection
func (c *API) CreateSegment(ctx context.Context, seg model.Segment) (model.Segment, error) {
	var out model.Segment
	path := fmt.Sprintf("/segment-collections/%s/segments", url.PathEscape(seg.CollectionID))
	err := c.do(ctx, http.MethodPost, path, seg, &out)
	return out, err
}

// ListVisuals returns the visuals of a visual set
func (c *API) ListVisuals(ctx context.Context, visualSetID string) ([]model.Visual, error) {
	var out []model.Visual
	path := fmt.Sprintf("/visual-sets/%s/visuals", url.PathEscape(visualSetID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateVisual adds a visual to a visual set
func (c *API) CreateVisual(ctx context.Context, v model.Visual) (model.Visual, error) {
	var out model.Visual
	path := fmt.Sprintf("/visual-sets/%s/visuals", url.PathEscape(v.VisualSetID))
	err := c.do(ctx, http.MethodPost, path, v, &out)
	return out, err
}

// ListSketches returns the sketches of a storyboard
func (c *API) ListSketches(ctx context.Context, storyboardID string) ([]model.StoryboardSketch, error) {
	var out []model.StoryboardSketch
	path := fmt.Sprintf("/storyboards/%s/sketches", url.PathEscape(storyboardID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSketch adds a sketch to a storyboard
func (c *API) CreateSketch(ctx context.Context, s model.StoryboardSketch) (model.StoryboardSketch, error) {
	var out model.StoryboardSketch
	path := fmt.Sprintf("/storyboards/%s/sketches", url.PathEscape(s.StoryboardID))
	err := c.do(ctx, http.MethodPost, path, s, &out)
	return out, err
}

// ListCardPositions returns the stored positions of one card type in a project
func (c *API) ListCardPositions(ctx context.Context, projectID string, cardType model.CardType) ([]model.CardPosition, error) {
	var out []model.CardPosition
	path := fmt.Sprintf("/projects/%s/card-positions?cardType=%s", url.PathEscape(projectID), url.QueryEscape(string(cardType)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchCardPositions applies upserts and deletes in one call
func (c *API) BatchCardPositions(ctx context.Context, projectID string, batch model.CardPositionBatch) error {
	path := fmt.Sprintf("/projects/%s/card-positions/batch", url.PathEscape(projectID))
	return c.do(ctx, http.MethodPost, path, batch, nil)
}
