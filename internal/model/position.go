package model

// CardType is the canvas tier a card belongs to
type CardType string

const (
	CardTypeScript            CardType = "script"
	CardTypeSegmentCollection CardType = "segment_collection"
	CardTypeVisualDirection   CardType = "visual_direction"
	CardTypeStoryboard        CardType = "storyboard"
)

var ValidCardTypes = []CardType{
	CardTypeScript, CardTypeSegmentCollection, CardTypeVisualDirection, CardTypeStoryboard,
}

func (t CardType) Valid() bool {
	for _, v := range ValidCardTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Point is a card's location on the canvas
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CardPosition is the wire form of a single position
type CardPosition struct {
	CardType CardType `json:"cardType"`
	CardID   string   `json:"cardId"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
}

// CardPositionDelete is the wire form of a position removal
type CardPositionDelete struct {
	CardType CardType `json:"cardType"`
	CardID   string   `json:"cardId"`
}

// CardPositionBatch is the body of POST /projects/{id}/card-positions/batch
type CardPositionBatch struct {
	Upserts []CardPosition       `json:"upserts"`
	Deletes []CardPositionDelete `json:"deletes"`
}

// Empty reports whether the batch carries no operations
func (b CardPositionBatch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Deletes) == 0
}

// ApplyTo overlays the batch on a position map
func (b CardPositionBatch) ApplyTo(positions map[string]Point) {
	for _, u := range b.Upserts {
		positions[u.CardID] = Point{X: u.X, Y: u.Y}
	}
	for _, d := range b.Deletes {
		delete(positions, d.CardID)
	}
}

// PendingOps holds position writes not yet accepted by the remote store.
// A card id is never present in both maps.
type PendingOps struct {
	Upserts map[string]CardPosition       `json:"upserts"`
	Deletes map[string]CardPositionDelete `json:"deletes"`
}

func NewPendingOps() PendingOps {
	return PendingOps{
		Upserts: make(map[string]CardPosition),
		Deletes: make(map[string]CardPositionDelete),
	}
}

// Upsert records a position write, evicting any queued delete for the card
func (p *PendingOps) Upsert(pos CardPosition) {
	p.ensure()
	delete(p.Deletes, pos.CardID)
	p.Upserts[pos.CardID] = pos
}

// Delete records a position removal, evicting any queued upsert for the card
func (p *PendingOps) Delete(del CardPositionDelete) {
	p.ensure()
	delete(p.Upserts, del.CardID)
	p.Deletes[del.CardID] = del
}

// Has reports whether the card has any queued operation
func (p *PendingOps) Has(cardID string) bool {
	_, up := p.Upserts[cardID]
	_, del := p.Deletes[cardID]
	return up || del
}

func (p *PendingOps) Len() int {
	return len(p.Upserts) + len(p.Deletes)
}

// Drain moves every queued operation into a batch and leaves the ledger empty
func (p *PendingOps) Drain() CardPositionBatch {
	batch := CardPositionBatch{
		Upserts: make([]CardPosition, 0, len(p.Upserts)),
		Deletes: make([]CardPositionDelete, 0, len(p.Deletes)),
	}
	for _, u := range p.Upserts {
		batch.Upserts = append(batch.Upserts, u)
	}
	for _, d := range p.Deletes {
		batch.Deletes = append(batch.Deletes, d)
	}
	p.Upserts = make(map[string]CardPosition)
	p.Deletes = make(map[string]CardPositionDelete)
	return batch
}

// Restore puts a failed batch back, skipping cards that gained a newer
// operation while the batch was in flight
func (p *PendingOps) Restore(batch CardPositionBatch) {
	p.ensure()
	for _, u := range batch.Upserts {
		if !p.Has(u.CardID) {
			p.Upserts[u.CardID] = u
		}
	}
	for _, d := range batch.Deletes {
		if !p.Has(d.CardID) {
			p.Deletes[d.CardID] = d
		}
	}
}

// ApplyTo overlays the queued operations on a position map
func (p *PendingOps) ApplyTo(positions map[string]Point) {
	for id, u := range p.Upserts {
		positions[id] = Point{X: u.X, Y: u.Y}
	}
	for id := range p.Deletes {
		delete(positions, id)
	}
}

func (p *PendingOps) ensure() {
	if p.Upserts == nil {
		p.Upserts = make(map[string]CardPosition)
	}
	if p.Deletes == nil {
		p.Deletes = make(map[string]CardPositionDelete)
	}
}
