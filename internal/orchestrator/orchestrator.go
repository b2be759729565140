// Package orchestrator drives AI generation jobs from start to materialised
// entities: start over HTTP, persist the record, attach the result socket,
// react to frames and clean up.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptboard/canvas/internal/channel"
	"github.com/scriptboard/canvas/internal/client"
	"github.com/scriptboard/canvas/internal/config"
	"github.com/scriptboard/canvas/internal/jobsocket"
	"github.com/scriptboard/canvas/internal/jobstore"
	"github.com/scriptboard/canvas/internal/model"
)

var (
	// ErrMalformedFrame is reported for frames that are not valid job status JSON
	ErrMalformedFrame = errors.New("malformed message")
	ErrTimedOut       = errors.New("job timed out")
	ErrEmptyResult    = errors.New("job returned no items")
)

const materializeTimeout = time.Minute

// Feature is one job type's part of the lifecycle
type Feature interface {
	Type() model.JobType
	// Indicators returns the card ids shown as generating while rec runs
	Indicators(rec model.JobRecord) []string
	// Materialized reports whether rec's output already exists
	Materialized(ctx context.Context, rec model.JobRecord) (bool, error)
	// Materialize creates the entities for a done frame and returns how many
	Materialize(ctx context.Context, rec model.JobRecord, result json.RawMessage) (int, error)
}

// Timeouts bound how long a job may stay attached without a terminal frame
type Timeouts struct {
	Single time.Duration
	Batch  time.Duration
}

func (t Timeouts) For(rec model.JobRecord) time.Duration {
	if rec.MetaString(model.MetaKind) == model.JobKindBatch {
		return t.Batch
	}
	return t.Single
}

// job is the per-job state machine. Frames are only acted on while the job is
// attached or pending, which makes terminal handling at-most-once.
type job struct {
	mu      sync.Mutex
	rec     model.JobRecord
	feature Feature
	state   model.JobState
}

// advance moves the job to next if it still accepts frames
func (j *job) advance(next model.JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = next
	return true
}

func (j *job) current() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Orchestrator owns the in-flight jobs of every feature
type Orchestrator struct {
	ctx        context.Context
	store      *jobstore.Store
	sockets    *jobsocket.Manager
	ai         client.JobStarter
	indicators *Indicators
	pub        Publisher
	timeouts   Timeouts
	maxAge     time.Duration
	chanOpts   channel.Options
	logger     *slog.Logger

	mu   sync.Mutex
	jobs map[model.JobKey]*job
}

type Option func(*Orchestrator)

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

func WithMaxAge(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxAge = d }
}

func WithChannelOptions(opts channel.Options) Option {
	return func(o *Orchestrator) { o.chanOpts = opts }
}

// WithContext sets the lifetime context used for work done on behalf of
// socket callbacks
func WithContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.ctx = ctx }
}

// FromConfig applies the jobs and channel sections of cfg
func FromConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) {
		o.timeouts = Timeouts{Single: cfg.Jobs.SingleTimeout, Batch: cfg.Jobs.BatchTimeout}
		o.maxAge = cfg.Jobs.MaxAge
		o.chanOpts = channel.OptionsFromConfig(cfg.Channel)
	}
}

func New(store *jobstore.Store, sockets *jobsocket.Manager, ai client.JobStarter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ctx:      context.Background(),
		store:    store,
		sockets:  sockets,
		ai:       ai,
		pub:      nopPublisher{},
		timeouts: Timeouts{Single: 120 * time.Second, Batch: 240 * time.Second},
		maxAge:   6 * time.Hour,
		chanOpts: channel.DefaultOptions(),
		logger:   config.Discard(),
		jobs:     make(map[model.JobKey]*job),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.indicators = NewIndicators(o.pub)
	return o
}

func (o *Orchestrator) Indicators() *Indicators { return o.indicators }

// Jobs lists the persisted in-flight records of typ, or of every type when typ is empty
func (o *Orchestrator) Jobs(ctx context.Context, typ model.JobType) ([]model.JobRecord, error) {
	return o.store.List(ctx, typ)
}

// State returns the live state of a job, if it is tracked
func (o *Orchestrator) State(typ model.JobType, jobID string) (model.JobState, bool) {
	o.mu.Lock()
	j, ok := o.jobs[model.JobKey{Type: typ, JobID: jobID}]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	return j.current(), true
}

// start runs STARTING and ATTACHED. A failed start call leaves no record behind.
func (o *Orchestrator) start(ctx context.Context, f Feature, body interface{}, meta map[string]any) (string, error) {
	jobID, err := o.ai.StartJob(ctx, f.Type(), body)
	if err != nil {
		return "", err
	}

	rec := model.JobRecord{JobID: jobID, Type: f.Type(), Meta: meta}
	if err := o.store.Add(ctx, rec); err != nil {
		// the job still runs; it just cannot be resumed after a restart
		o.logger.Error("failed to persist job record", "job_id", jobID, "job_type", f.Type(), "error", err)
	} else if stored, ok, _ := o.store.Get(ctx, rec.Type, rec.JobID); ok {
		rec = stored
	}

	o.indicators.Set(projectOf(rec), f.Indicators(rec)...)
	o.attach(f, rec)
	o.logger.Info("job started", "job_id", jobID, "job_type", f.Type(), "project_id", projectOf(rec))
	return jobID, nil
}

func (o *Orchestrator) attach(f Feature, rec model.JobRecord) {
	key := rec.Key()
	o.mu.Lock()
	j, ok := o.jobs[key]
	if !ok || j.current().Terminal() {
		j = &job{rec: rec, feature: f, state: model.JobStateAttached}
		o.jobs[key] = j
	}
	o.mu.Unlock()

	attached := o.sockets.Attach(rec.JobID, jobsocket.AttachOptions{
		URL:       o.ai.ResultURL(rec.Type, rec.JobID),
		Timeout:   o.timeouts.For(rec),
		OnMessage: func(data []byte) { o.handleFrame(j, data) },
		OnTimeout: func() { o.finish(j, model.JobStateTimedOut, ErrTimedOut.Error(), 0) },
		OnError: func(err error) {
			o.logger.Debug("job socket error", "job_id", rec.JobID, "error", err)
		},
		Channel: o.chanOpts,
	})
	if attached {
		o.publishJob(j.rec, model.JobStateAttached, "", 0)
	}
}

// handleFrame interprets one result frame. Anything unreadable counts as an
// error frame so a corrupt message cannot leave the job stuck.
func (o *Orchestrator) handleFrame(j *job, data []byte) {
	var frame model.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		frame = model.Frame{Status: model.FrameStatusError, Error: ErrMalformedFrame.Error()}
	}

	switch frame.Status {
	case model.FrameStatusPending:
		if j.advance(model.JobStatePending) {
			o.logger.Debug("job pending", "job_id", j.rec.JobID)
		}
	case model.FrameStatusDone:
		if !j.advance(model.JobStateDone) {
			return
		}
		o.complete(j, frame.Result)
	case model.FrameStatusError:
		msg := frame.Error
		if msg == "" {
			msg = "generation failed"
		}
		o.finish(j, model.JobStateError, msg, 0)
	default:
		o.finish(j, model.JobStateError, ErrMalformedFrame.Error(), 0)
	}
}

// complete materialises a done frame, unless the record was cancelled meanwhile
func (o *Orchestrator) complete(j *job, result json.RawMessage) {
	ctx, cancel := context.WithTimeout(o.ctx, materializeTimeout)
	defer cancel()

	rec := j.rec
	if _, ok, err := o.store.Get(ctx, rec.Type, rec.JobID); err == nil && !ok {
		o.logger.Info("dropping result of cancelled job", "job_id", rec.JobID, "job_type", rec.Type)
		o.teardown(j, model.JobStateCancelled, "", 0)
		return
	}

	n, err := j.feature.Materialize(ctx, rec, result)
	if err != nil {
		o.logger.Error("failed to materialise job result", "job_id", rec.JobID, "job_type", rec.Type, "error", err)
		o.teardown(j, model.JobStateError, err.Error(), n)
		return
	}
	o.logger.Info("job done", "job_id", rec.JobID, "job_type", rec.Type, "created", n)
	o.teardown(j, model.JobStateDone, "", n)
}

// finish moves a live job to a terminal state and cleans up
func (o *Orchestrator) finish(j *job, state model.JobState, errMsg string, created int) {
	if !j.advance(state) {
		return
	}
	if state == model.JobStateError || state == model.JobStateTimedOut {
		o.logger.Warn("job failed", "job_id", j.rec.JobID, "job_type", j.rec.Type, "state", state, "error", errMsg)
	}
	o.teardown(j, state, errMsg, created)
}

// teardown removes every trace of a terminal job: record, indicators, socket
func (o *Orchestrator) teardown(j *job, state model.JobState, errMsg string, created int) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()

	rec := j.rec
	ctx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
	defer cancel()
	if err := o.store.Remove(ctx, rec.Type, rec.JobID); err != nil {
		o.logger.Error("failed to remove job record", "job_id", rec.JobID, "error", err)
	}

	o.indicators.Clear(projectOf(rec), j.feature.Indicators(rec)...)
	o.sockets.Cleanup(rec.JobID)

	o.mu.Lock()
	if o.jobs[rec.Key()] == j {
		delete(o.jobs, rec.Key())
	}
	o.mu.Unlock()

	o.publishJob(rec, state, errMsg, created)
}

// CancelWhere cancels every persisted or live job matching pred. Used when a
// parent entity is deleted.
func (o *Orchestrator) CancelWhere(ctx context.Context, pred func(model.JobRecord) bool) (int, error) {
	removed, err := o.store.RemoveWhere(ctx, pred)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}

	seen := make(map[model.JobKey]bool, len(removed))
	var live []*job
	o.mu.Lock()
	for _, rec := range removed {
		seen[rec.Key()] = true
		if j, ok := o.jobs[rec.Key()]; ok {
			live = append(live, j)
		}
	}
	for key, j := range o.jobs {
		if !seen[key] && pred(j.rec) {
			seen[key] = true
			live = append(live, j)
		}
	}
	o.mu.Unlock()

	tracked := make(map[model.JobKey]bool, len(live))
	for _, j := range live {
		tracked[j.rec.Key()] = true
		o.finish(j, model.JobStateCancelled, "", 0)
	}
	// records with no live job in this process
	for _, rec := range removed {
		if tracked[rec.Key()] {
			continue
		}
		o.sockets.Cleanup(rec.JobID)
		o.publishJob(rec, model.JobStateCancelled, "", 0)
	}
	if len(seen) > 0 {
		o.logger.Info("jobs cancelled", "count", len(seen))
	}
	return len(seen), nil
}

// Cancel cancels a single job
func (o *Orchestrator) Cancel(ctx context.Context, typ model.JobType, jobID string) (bool, error) {
	key := model.JobKey{Type: typ, JobID: jobID}
	n, err := o.CancelWhere(ctx, func(r model.JobRecord) bool { return r.Key() == key })
	return n > 0, err
}

// Resume prunes stale records and reattaches the remaining jobs of f's type.
// Jobs whose output already exists are dropped instead. Safe to call repeatedly.
func (o *Orchestrator) Resume(ctx context.Context, f Feature) (int, error) {
	pruned, err := o.store.Prune(ctx, o.maxAge)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	if pruned > 0 {
		o.logger.Info("pruned stale jobs", "count", pruned)
	}

	resumed := 0
	for rec := range o.store.Records(ctx, f.Type()) {
		if o.sockets.Attached(rec.JobID) {
			continue
		}
		done, err := f.Materialized(ctx, rec)
		if err != nil {
			o.logger.Warn("materialised check failed, reattaching", "job_id", rec.JobID, "error", err)
		}
		if done {
			if err := o.store.Remove(ctx, rec.Type, rec.JobID); err != nil {
				return resumed, fmt.Errorf("remove materialised job: %w", err)
			}
			o.logger.Info("job already materialised", "job_id", rec.JobID, "job_type", rec.Type)
			continue
		}
		o.indicators.Set(projectOf(rec), f.Indicators(rec)...)
		o.attach(f, rec)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info("jobs resumed", "job_type", f.Type(), "count", resumed)
	}
	return resumed, nil
}

// Shutdown tears down every socket. Records stay so the jobs resume on the next start.
func (o *Orchestrator) Shutdown() {
	o.sockets.CleanupAll()
	o.mu.Lock()
	o.jobs = make(map[model.JobKey]*job)
	o.mu.Unlock()
}

func (o *Orchestrator) publishJob(rec model.JobRecord, state model.JobState, errMsg string, created int) {
	project := projectOf(rec)
	if project == "" {
		return
	}
	o.pub.Publish(project, model.JobEvent{
		Type:      model.WSMessageTypeJob,
		ProjectID: project,
		JobID:     rec.JobID,
		JobType:   rec.Type,
		State:     state,
		Error:     errMsg,
		Created:   created,
	})
}

func projectOf(rec model.JobRecord) string {
	return rec.MetaString(model.MetaProjectID)
}
