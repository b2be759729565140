package orchestrator

import (
	"sort"
	"sync"

	"github.com/scriptboard/canvas/internal/model"
)

// Publisher pushes UI events to every subscriber of a project topic
type Publisher interface {
	Publish(topic string, v interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

// Indicators tracks which card ids have a generation in flight. Ids are
// reference counted so two jobs on the same parent keep it generating until
// both finish.
type Indicators struct {
	mu     sync.Mutex
	counts map[string]int
	pub    Publisher
}

func NewIndicators(pub Publisher) *Indicators {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Indicators{counts: make(map[string]int), pub: pub}
}

// Set marks ids as generating
func (i *Indicators) Set(projectID string, ids ...string) {
	var changed []string
	i.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		i.counts[id]++
		if i.counts[id] == 1 {
			changed = append(changed, id)
		}
	}
	i.mu.Unlock()
	i.publish(projectID, changed, true)
}

// Clear releases ids set by one job
func (i *Indicators) Clear(projectID string, ids ...string) {
	var changed []string
	i.mu.Lock()
	for _, id := range ids {
		n, ok := i.counts[id]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(i.counts, id)
			changed = append(changed, id)
		} else {
			i.counts[id] = n - 1
		}
	}
	i.mu.Unlock()
	i.publish(projectID, changed, false)
}

// Generating reports whether id has a job in flight
func (i *Indicators) Generating(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.counts[id] > 0
}

// List returns the generating ids, sorted
func (i *Indicators) List() []string {
	i.mu.Lock()
	out := make([]string, 0, len(i.counts))
	for id := range i.counts {
		out = append(out, id)
	}
	i.mu.Unlock()
	sort.Strings(out)
	return out
}

func (i *Indicators) publish(projectID string, ids []string, generating bool) {
	if projectID == "" {
		return
	}
	for _, id := range ids {
		i.pub.Publish(projectID, model.IndicatorEvent{
			Type:       model.WSMessageTypeIndicator,
			ProjectID:  projectID,
			ID:         id,
			Generating: generating,
		})
	}
}
