// Package canvas holds the optimistic entity state of each canvas tier.
// Writes are applied locally first, sent to the API, and rolled back to the
// last known-good state when the API rejects them.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/scriptboard/canvas/internal/client"
	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/model"
	"github.com/scriptboard/canvas/internal/positions"
	"github.com/scriptboard/canvas/internal/storage"
)

var ErrNotFound = errors.New("entity not found")

// TempIDPrefix marks ids assigned before the API has confirmed a create
const TempIDPrefix = "temp-"

// Backend is the REST surface of one tier
type Backend[T model.Entity] interface {
	List(ctx context.Context, projectID string) ([]T, error)
	Create(ctx context.Context, projectID string, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id string) error
}

// JobCanceller cancels in-flight generation jobs
type JobCanceller interface {
	CancelWhere(ctx context.Context, pred func(model.JobRecord) bool) (int, error)
}

// Publisher pushes UI events to a project topic
type Publisher interface {
	Publish(topic string, v interface{})
}

// TierDef describes how a tier's entities relate to the rest of the canvas
type TierDef[T model.Entity] struct {
	Tier     string
	CardType model.CardType
	// MetaKey is the job meta key that references this tier's ids
	MetaKey  string
	SetID    func(*T, string)
	ParentID func(T) string
}

// Deps are the collaborators shared by every tier
type Deps struct {
	Positions *positions.Registry
	Jobs      JobCanceller
	Publisher Publisher
	Local     storage.Store
	Logger    *slog.Logger
	Placer    positions.Placer
}

// tier is the type-erased view a parent uses to cascade into its children
type tier interface {
	dropChildrenOf(ctx context.Context, projectID string, parentIDs []string)
}

// Coordinator keeps the entities of one tier per project
type Coordinator[T model.Entity] struct {
	def     TierDef[T]
	backend Backend[T]
	deps    Deps
	logger  *slog.Logger
	child   tier

	mu    sync.Mutex
	items map[string][]T
}

func NewCoordinator[T model.Entity](def TierDef[T], backend Backend[T], deps Deps) *Coordinator[T] {
	logger := deps.Logger
	if logger == nil {
		logger = config.Discard()
	}
	if deps.Placer == nil {
		deps.Placer = positions.Grid(model.Point{X: 40, Y: 40}, 320, 220, 4)
	}
	return &Coordinator[T]{
		def:     def,
		backend: backend,
		deps:    deps,
		logger:  logger.With("tier", def.Tier),
		items:   make(map[string][]T),
	}
}

// Tier returns the tier name used in URLs and events
func (c *Coordinator[T]) Tier() string { return c.def.Tier }

func (c *Coordinator[T]) setChild(t tier) { c.child = t }

// AssignID sets the id of an entity decoded from a request
func (c *Coordinator[T]) AssignID(entity *T, id string) { c.def.SetID(entity, id) }

func (c *Coordinator[T]) snapshotKey(projectID string) string {
	return fmt.Sprintf("canvas:%s:%s", projectID, c.def.Tier)
}

// Load fetches the tier from the API. When the API is unreachable the last
// known-good snapshot is served together with the error.
func (c *Coordinator[T]) Load(ctx context.Context, projectID string) ([]T, error) {
	items, err := c.backend.List(ctx, projectID)
	if err != nil {
		var cached []T
		if c.deps.Local == nil {
			return c.List(projectID), fmt.Errorf("load %s: %w", c.def.Tier, err)
		}
		if ok, cerr := storage.GetJSON(ctx, c.deps.Local, c.snapshotKey(projectID), &cached); cerr == nil && ok {
			c.mu.Lock()
			if _, loaded := c.items[projectID]; !loaded {
				c.items[projectID] = cached
			}
			c.mu.Unlock()
		}
		return c.List(projectID), fmt.Errorf("load %s: %w", c.def.Tier, err)
	}

	c.mu.Lock()
	c.items[projectID] = items
	c.mu.Unlock()
	c.persist(ctx, projectID)
	c.ensurePositions(ctx, projectID, ids(items)...)
	return slices.Clone(items), nil
}

// List returns the current optimistic state
func (c *Coordinator[T]) List(projectID string) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items[projectID])
}

// Get returns one entity from the current state
func (c *Coordinator[T]) Get(projectID, id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := indexOf(c.items[projectID], id)
	if i < 0 {
		var zero T
		return zero, false
	}
	return c.items[projectID][i], true
}

// Create shows the entity under a temporary id, then swaps in the API's
// version. A rejected create removes it again.
func (c *Coordinator[T]) Create(ctx context.Context, projectID string, entity T) (T, error) {
	tempID := TempIDPrefix + uuid.NewString()
	optimistic := entity
	c.def.SetID(&optimistic, tempID)

	c.mu.Lock()
	c.items[projectID] = append(c.items[projectID], optimistic)
	c.mu.Unlock()
	c.publish(projectID, model.CanvasActionCreated, tempID, "", optimistic, "")

	created, err := c.backend.Create(ctx, projectID, entity)
	if err != nil {
		c.mu.Lock()
		c.items[projectID] = removeID(c.items[projectID], tempID)
		c.mu.Unlock()
		c.publish(projectID, model.CanvasActionRollback, tempID, "", nil, err.Error())
		c.logger.Warn("create rolled back", "project_id", projectID, "error", err)
		return created, fmt.Errorf("create %s: %w", c.def.Tier, err)
	}

	c.mu.Lock()
	list := c.items[projectID]
	if i := indexOf(list, tempID); i >= 0 {
		list[i] = created
	} else {
		c.items[projectID] = append(list, created)
	}
	c.mu.Unlock()

	c.persist(ctx, projectID)
	c.ensurePositions(ctx, projectID, created.GetID())
	c.publish(projectID, model.CanvasActionCreated, created.GetID(), tempID, created, "")
	return created, nil
}

// Update applies the change locally, then asks the API. A rejected update
// restores the previous version.
func (c *Coordinator[T]) Update(ctx context.Context, projectID string, entity T) (T, error) {
	id := entity.GetID()
	c.mu.Lock()
	list := c.items[projectID]
	i := indexOf(list, id)
	if i < 0 {
		c.mu.Unlock()
		var zero T
		return zero, ErrNotFound
	}
	prev := list[i]
	list[i] = entity
	c.mu.Unlock()
	c.publish(projectID, model.CanvasActionUpdated, id, "", entity, "")

	updated, err := c.backend.Update(ctx, entity)
	if err != nil {
		c.replace(projectID, id, prev)
		c.publish(projectID, model.CanvasActionRollback, id, "", prev, err.Error())
		c.logger.Warn("update rolled back", "project_id", projectID, "id", id, "error", err)
		return prev, fmt.Errorf("update %s: %w", c.def.Tier, err)
	}

	c.replace(projectID, id, updated)
	c.persist(ctx, projectID)
	return updated, nil
}

// Delete removes the entity and everything below it, cancelling their
// in-flight jobs and dropping their positions. A rejected delete restores
// the entity and its position; descendants come back with the next Load.
func (c *Coordinator[T]) Delete(ctx context.Context, projectID, id string) error {
	c.mu.Lock()
	list := c.items[projectID]
	i := indexOf(list, id)
	if i < 0 {
		c.mu.Unlock()
		return ErrNotFound
	}
	prev := list[i]
	c.items[projectID] = removeID(list, id)
	c.mu.Unlock()

	var prevPos *model.Point
	if cache := c.cache(ctx, projectID); cache != nil {
		if p, ok := cache.Get(id); ok {
			prevPos = &p
		}
	}

	c.cascade(ctx, projectID, []string{id})
	c.publish(projectID, model.CanvasActionDeleted, id, "", nil, "")

	if err := c.backend.Delete(ctx, id); err != nil && !client.IsNotFound(err) {
		c.mu.Lock()
		cur := c.items[projectID]
		if indexOf(cur, id) < 0 {
			c.items[projectID] = slices.Insert(slices.Clone(cur), min(i, len(cur)), prev)
		}
		c.mu.Unlock()
		if cache := c.cache(ctx, projectID); cache != nil && prevPos != nil {
			cache.Set(id, *prevPos)
		}
		c.publish(projectID, model.CanvasActionRollback, id, "", prev, err.Error())
		c.logger.Warn("delete rolled back", "project_id", projectID, "id", id, "error", err)
		return fmt.Errorf("delete %s: %w", c.def.Tier, err)
	}

	c.persist(ctx, projectID)
	return nil
}

// cascade cancels the jobs and positions of ids, then drops their children
func (c *Coordinator[T]) cascade(ctx context.Context, projectID string, removed []string) {
	if len(removed) == 0 {
		return
	}
	if c.deps.Jobs != nil && c.def.MetaKey != "" {
		_, err := c.deps.Jobs.CancelWhere(ctx, func(r model.JobRecord) bool {
			for _, id := range removed {
				if r.MetaHas(c.def.MetaKey, id) {
					return true
				}
			}
			return false
		})
		if err != nil {
			c.logger.Error("failed to cancel jobs", "project_id", projectID, "error", err)
		}
	}
	if cache := c.cache(ctx, projectID); cache != nil {
		for _, id := range removed {
			cache.Delete(id)
		}
	}
	if c.child != nil {
		c.child.dropChildrenOf(ctx, projectID, removed)
	}
}

// dropChildrenOf removes local entities whose parent was deleted. The API
// deletes them itself.
func (c *Coordinator[T]) dropChildrenOf(ctx context.Context, projectID string, parentIDs []string) {
	if c.def.ParentID == nil {
		return
	}
	var removed []string
	c.mu.Lock()
	kept := c.items[projectID][:0:0]
	for _, item := range c.items[projectID] {
		if slices.Contains(parentIDs, c.def.ParentID(item)) {
			removed = append(removed, item.GetID())
			continue
		}
		kept = append(kept, item)
	}
	c.items[projectID] = kept
	c.mu.Unlock()

	for _, id := range removed {
		c.publish(projectID, model.CanvasActionDeleted, id, "", nil, "")
	}
	c.cascade(ctx, projectID, removed)
	if len(removed) > 0 {
		c.persist(ctx, projectID)
	}
}

func (c *Coordinator[T]) replace(projectID, id string, entity T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexOf(c.items[projectID], id); i >= 0 {
		c.items[projectID][i] = entity
	}
}

func (c *Coordinator[T]) cache(ctx context.Context, projectID string) *positions.Cache {
	if c.deps.Positions == nil || c.def.CardType == "" {
		return nil
	}
	cache, err := c.deps.Positions.For(ctx, projectID, c.def.CardType)
	if err != nil {
		c.logger.Warn("no position cache", "project_id", projectID, "error", err)
		return nil
	}
	return cache
}

func (c *Coordinator[T]) ensurePositions(ctx context.Context, projectID string, ids ...string) {
	if cache := c.cache(ctx, projectID); cache != nil {
		cache.EnsureDefaults(ids, c.deps.Placer)
	}
}

// persist stores confirmed state as the rollback source for the next start
func (c *Coordinator[T]) persist(ctx context.Context, projectID string) {
	if c.deps.Local == nil {
		return
	}
	c.mu.Lock()
	confirmed := make([]T, 0, len(c.items[projectID]))
	for _, item := range c.items[projectID] {
		if !isTemp(item.GetID()) {
			confirmed = append(confirmed, item)
		}
	}
	c.mu.Unlock()
	if err := storage.SetJSON(ctx, c.deps.Local, c.snapshotKey(projectID), confirmed); err != nil {
		c.logger.Warn("failed to cache tier snapshot", "project_id", projectID, "error", err)
	}
}

func (c *Coordinator[T]) publish(projectID, action, id, tempID string, entity interface{}, errMsg string) {
	if c.deps.Publisher == nil {
		return
	}
	c.deps.Publisher.Publish(projectID, model.CanvasEvent{
		Type:      model.WSMessageTypeCanvas,
		ProjectID: projectID,
		Tier:      c.def.Tier,
		Action:    action,
		ID:        id,
		TempID:    tempID,
		Entity:    entity,
		Error:     errMsg,
	})
}

func indexOf[T model.Entity](list []T, id string) int {
	return slices.IndexFunc(list, func(e T) bool { return e.GetID() == id })
}

func removeID[T model.Entity](list []T, id string) []T {
	return slices.DeleteFunc(slices.Clone(list), func(e T) bool { return e.GetID() == id })
}

func ids[T model.Entity](list []T) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.GetID()
	}
	return out
}

func isTemp(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
