package canvas

import (
	"context"
	"errors"

	"github.com/scriptboard/canvas/internal/model"
)

// Canvas wires the four tiers into the parent chain
// script → segment collection → visual direction → storyboard.
type Canvas struct {
	Scripts            *Coordinator[model.Script]
	SegmentCollections *Coordinator[model.SegmentCollection]
	VisualDirections   *Coordinator[model.VisualDirection]
	Storyboards        *Coordinator[model.Storyboard]
}

// Backends supplies the REST surface of every tier
type Backends struct {
	Scripts            Backend[model.Script]
	SegmentCollections Backend[model.SegmentCollection]
	VisualDirections   Backend[model.VisualDirection]
	Storyboards        Backend[model.Storyboard]
}

func New(b Backends, deps Deps) *Canvas {
	c := &Canvas{
		Scripts: NewCoordinator(TierDef[model.Script]{
			Tier:     model.TierScripts,
			CardType: model.CardTypeScript,
			MetaKey:  model.MetaScriptID,
			SetID:    func(s *model.Script, id string) { s.ID = id },
		}, b.Scripts, deps),
		SegmentCollections: NewCoordinator(TierDef[model.SegmentCollection]{
			Tier:     model.TierSegmentCollections,
			CardType: model.CardTypeSegmentCollection,
			MetaKey:  model.MetaCollectionID,
			SetID:    func(s *model.SegmentCollection, id string) { s.ID = id },
			ParentID: func(s model.SegmentCollection) string { return s.ScriptID },
		}, b.SegmentCollections, deps),
		VisualDirections: NewCoordinator(TierDef[model.VisualDirection]{
			Tier:     model.TierVisualDirections,
			CardType: model.CardTypeVisualDirection,
			MetaKey:  model.MetaVisualDirectionID,
			SetID:    func(v *model.VisualDirection, id string) { v.ID = id },
			ParentID: func(v model.VisualDirection) string { return v.CollectionID },
		}, b.VisualDirections, deps),
		Storyboards: NewCoordinator(TierDef[model.Storyboard]{
			Tier:     model.TierStoryboards,
			CardType: model.CardTypeStoryboard,
			MetaKey:  model.MetaStoryboardID,
			SetID:    func(s *model.Storyboard, id string) { s.ID = id },
			ParentID: func(s model.Storyboard) string { return s.VisualDirectionID },
		}, b.Storyboards, deps),
	}
	c.Scripts.setChild(c.SegmentCollections)
	c.SegmentCollections.setChild(c.VisualDirections)
	c.VisualDirections.setChild(c.Storyboards)
	return c
}

// LoadAll loads every tier of a project, parents first
func (c *Canvas) LoadAll(ctx context.Context, projectID string) error {
	var errs []error
	if _, err := c.Scripts.Load(ctx, projectID); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SegmentCollections.Load(ctx, projectID); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.VisualDirections.Load(ctx, projectID); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Storyboards.Load(ctx, projectID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
