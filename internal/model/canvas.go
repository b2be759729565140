package model

import "time"

// Entity is anything the canvas coordinators keep in optimistic state
type Entity interface {
	GetID() string
}

// Script is the root card of a project
type Script struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title" validate:"required,max=200"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (s Script) GetID() string { return s.ID }

// SegmentCollection groups the segments produced from one script
type SegmentCollection struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	ScriptID  string    `json:"scriptId" validate:"required"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (c SegmentCollection) GetID() string { return c.ID }

// Segment is one slice of a script
type Segment struct {
	ID           string         `json:"id,omitempty"`
	CollectionID string         `json:"collectionId"`
	Index        int            `json:"index"`
	Text         string         `json:"text"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s Segment) GetID() string { return s.ID }

// VisualDirection is a card holding the visuals generated for a collection
type VisualDirection struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	CollectionID string    `json:"collectionId" validate:"required"`
	VisualSetID  string    `json:"visualSetId,omitempty"`
	Title        string    `json:"title"`
	Style        string    `json:"style,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

func (v VisualDirection) GetID() string { return v.ID }

// Visual is one generated visual description
type Visual struct {
	ID          string         `json:"id,omitempty"`
	VisualSetID string         `json:"visualSetId"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (v Visual) GetID() string { return v.ID }

// Storyboard is the last tier of the canvas
type Storyboard struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"projectId"`
	VisualDirectionID string    `json:"visualDirectionId" validate:"required"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
}

func (s Storyboard) GetID() string { return s.ID }

// StoryboardSketch is one generated frame of a storyboard
type StoryboardSketch struct {
	ID           string         `json:"id,omitempty"`
	StoryboardID string         `json:"storyboardId"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s StoryboardSketch) GetID() string { return s.ID }

// Tier names used in URLs and events
const (
	TierScripts            = "scripts"
	TierSegmentCollections = "segment-collections"
	TierVisualDirections   = "visual-directions"
	TierStoryboards        = "storyboards"
)

// CardTypeForTier maps a tier name to the card type its positions are stored under
func CardTypeForTier(tier string) (CardType, bool) {
	switch tier {
	case TierScripts:
		return CardTypeScript, true
	case TierSegmentCollections:
		return CardTypeSegmentCollection, true
	case TierVisualDirections:
		return CardTypeVisualDirection, true
	case TierStoryboards:
		return CardTypeStoryboard, true
	}
	return "", false
}
