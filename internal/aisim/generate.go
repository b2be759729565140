package aisim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/scriptboard/canvas/internal/model"
)

// FailMarker in any input text makes the job end with an error frame
const FailMarker = "#fail"

var errRequested = errors.New("generation failed on request")

// generate computes a deterministic result for a job
func generate(job *Job) (json.RawMessage, error) {
	if strings.Contains(string(job.Input), FailMarker) {
		return nil, errRequested
	}

	var result interface{}
	switch job.Type {
	case model.JobTypeSegments:
		var req model.SegmentsJobRequest
		if err := json.Unmarshal(job.Input, &req); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		result = splitSegments(req.ScriptText, req.NumSegments)

	case model.JobTypeVisuals:
		var req model.VisualsJobRequest
		if err := json.Unmarshal(job.Input, &req); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		items := describe("Visual", req.Style, req.Segments)
		if len(items) == 1 {
			// single-item jobs answer with a bare string
			result = items[0].Content
		} else {
			result = items
		}

	case model.JobTypeStoryboardSketch:
		var req model.SketchJobRequest
		if err := json.Unmarshal(job.Input, &req); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		result = describe("Sketch", req.Style, req.Visuals)

	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}

	return json.Marshal(result)
}

// splitSegments groups the sentences of text into at most n chunks of
// roughly equal sentence count
func splitSegments(text string, n int) []string {
	sentences := sentences(text)
	if n <= 0 || len(sentences) == 0 {
		return []string{}
	}
	if n > len(sentences) {
		n = len(sentences)
	}

	out := make([]string, 0, n)
	per, extra := len(sentences)/n, len(sentences)%n
	start := 0
	for i := 0; i < n; i++ {
		size := per
		if i < extra {
			size++
		}
		out = append(out, strings.Join(sentences[start:start+size], " "))
		start += size
	}
	return out
}

func sentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
	}
	flush()
	return out
}

func describe(kind, style string, inputs []string) []model.GeneratedItem {
	items := make([]model.GeneratedItem, len(inputs))
	for i, in := range inputs {
		content := fmt.Sprintf("%s %d: %s", kind, i+1, firstWords(in, 12))
		if style != "" {
			content += " (" + style + ")"
		}
		items[i] = model.GeneratedItem{Content: content}
	}
	return items
}

func firstWords(s string, n int) string {
	words := strings.FieldsFunc(s, unicode.IsSpace)
	if len(words) > n {
		words = append(words[:n], "…")
	}
	return strings.Join(words, " ")
}
