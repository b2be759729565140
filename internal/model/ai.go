package model

// SegmentsJobRequest is the body of POST /run-generate-script-segments
type SegmentsJobRequest struct {
	ScriptText  string `json:"script_text" validate:"required"`
	NumSegments int    `json:"num_segments" validate:"min=1,max=100"`
}

// VisualsJobRequest is the body of POST /run-generate-script-visuals.
// A single-item job sends one segment.
type VisualsJobRequest struct {
	Segments []string `json:"segments" validate:"required,min=1,dive,required"`
	Style    string   `json:"style,omitempty"`
}

// SketchJobRequest is the body of POST /run-generate-storyboard-sketch
type SketchJobRequest struct {
	Visuals []string `json:"visuals" validate:"required,min=1,dive,required"`
	Style   string   `json:"style,omitempty"`
}

// GeneratedItem is the object form of a result item; results may also be bare strings
type GeneratedItem struct {
	Content string `json:"content"`
}
