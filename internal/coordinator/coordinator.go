// Package coordinator drives sync cycles: drain the outbound queue, push,
// settle the push outcome, transfer attachments, then pull and apply.
package coordinator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/nexussync/internal/attachments"
	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/nexus"
	"github.com/agentworkforce/nexussync/internal/queue"
	"github.com/agentworkforce/nexussync/internal/syncstate"
)

const (
	DefaultInterval          = 5 * time.Minute
	DefaultJitter            = 0.2
	DefaultPullPageSize      = 100
	DefaultMaxPullPages      = 50
	DefaultBackgroundTimeout = 25 * time.Second
)

type SyncClient interface {
	Push(ctx context.Context, req nexus.PushRequest) (nexus.PushResponse, error)
	Pull(ctx context.Context, sinceVersion int64, limit int) (nexus.PullResponse, error)
}

type Reachability interface {
	CheckTransportReachability(ctx context.Context) error
}

// Store receives pulled changes, and server-resolved conflicts, for the
// categories it is bound to.
type Store interface {
	Apply(ctx context.Context, change nexus.PullChange) error
}

// Collector is implemented by stores that track their own unsynced writes.
type Collector interface {
	CollectPending(ctx context.Context) ([]queue.QueuedChange, error)
}

type AttachmentDescriber interface {
	Describe(entityID string) ([]nexus.AttachmentRef, error)
}

type AttachmentUploader interface {
	UploadPending(ctx context.Context, pending []nexus.PendingUpload) []attachments.UploadOutcome
}

type AttachmentDownloader interface {
	DownloadForChanges(ctx context.Context, changes []nexus.PullChange) []attachments.DownloadOutcome
}

// Deps are the collaborators of a Coordinator. Client, Queue, State and
// Versions are required; the rest may be nil.
type Deps struct {
	Client     SyncClient
	Queue      *queue.Queue
	State      *syncstate.Store
	Versions   *syncstate.Versions
	Auth       Reachability
	Describer  AttachmentDescriber
	Uploader   AttachmentUploader
	Downloader AttachmentDownloader
	Applier    Store
}

type Options struct {
	ServerURL         string
	Interval          time.Duration
	Jitter            float64
	PullPageSize      int
	MaxPullPages      int
	BackgroundTimeout time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

type mode int

const (
	modeActive mode = iota
	modeBackground
	modeAwaitingReachability
)

type Coordinator struct {
	deps Deps
	opts Options
	log  *zap.Logger

	sem     chan struct{}
	trigger chan struct{}

	mu     sync.Mutex
	stores map[string]Store
	mode   mode
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Client == nil || deps.Queue == nil || deps.State == nil || deps.Versions == nil {
		return nil, errors.New("coordinator requires a sync client, queue, state store and version tracker")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	opts.Jitter = ClampJitterRatio(opts.Jitter)
	if opts.PullPageSize <= 0 {
		opts.PullPageSize = DefaultPullPageSize
	}
	if opts.MaxPullPages <= 0 {
		opts.MaxPullPages = DefaultMaxPullPages
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = DefaultBackgroundTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		deps:    deps,
		opts:    opts,
		log:     opts.Logger,
		sem:     make(chan struct{}, 1),
		trigger: make(chan struct{}, 1),
		stores:  map[string]Store{},
	}, nil
}

// Bind routes pulled changes of category to store. Binding again replaces the
// previous store.
func (c *Coordinator) Bind(category string, store Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if store == nil {
		delete(c.stores, category)
		return
	}
	c.stores[category] = store
}

// RecordLocalChange stamps the next entity version, queues the change and
// nudges the scheduler.
func (c *Coordinator) RecordLocalChange(change queue.QueuedChange) (queue.QueuedChange, error) {
	version, err := c.deps.Versions.Bump(change.EntityID)
	if err != nil {
		return queue.QueuedChange{}, err
	}
	change.Version = version
	if err := c.deps.Queue.Enqueue(change); err != nil {
		return queue.QueuedChange{}, err
	}
	if err := c.deps.State.SetPendingCount(c.deps.Queue.Len()); err != nil {
		c.log.Warn("failed to record pending change count", zap.Error(err))
	}
	c.Trigger()
	return change, nil
}

// Start runs cycles on a jittered interval until ctx ends or Stop is called.
// The first cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	if strings.TrimSpace(c.opts.ServerURL) == "" {
		return errs.ErrNoServerURL
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("coordinator already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(loopCtx)
	c.Trigger()
	return nil
}

// Stop blocks until the scheduler loop and any cycle it started have returned.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

// Trigger asks the scheduler for a cycle as soon as possible. Repeated calls
// before the cycle starts coalesce.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// PushOnBackground pauses scheduled cycles and makes one time-boxed push,
// including pending uploads. Nothing is pulled.
func (c *Coordinator) PushOnBackground(ctx context.Context) (CycleReport, error) {
	c.setMode(modeBackground)
	ctx, cancel := context.WithTimeout(ctx, c.opts.BackgroundTimeout)
	defer cancel()

	report := CycleReport{StartedAt: c.opts.Now()}
	if err := c.acquire(ctx); err != nil {
		return report, err
	}
	defer c.release()
	err := c.pushPhase(ctx, &report)
	report.Duration = c.opts.Now().Sub(report.StartedAt)
	if err != nil {
		c.log.Warn("background push failed", zap.Error(err), zap.Int("requeued", report.Requeued))
		return report, err
	}
	c.log.Info("background push completed", zap.Int("pushed", report.Pushed), zap.Int("requeued", report.Requeued))
	return report, nil
}

// OnForeground re-checks transport reachability before scheduled cycles
// resume. While unreachable, each scheduled tick re-checks instead of syncing.
func (c *Coordinator) OnForeground(ctx context.Context) error {
	c.setMode(modeAwaitingReachability)
	if err := c.checkReachability(ctx); err != nil {
		c.log.Warn("transport unreachable after foreground", zap.Error(err))
		return err
	}
	c.setMode(modeActive)
	c.Trigger()
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	rng := rand.New(rand.NewSource(c.opts.Now().UnixNano()))
	next := func() time.Duration {
		return jitteredIntervalWithSample(c.opts.Interval, c.opts.Jitter, rng.Float64())
	}
	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("sync scheduler stopping", zap.Error(ctx.Err()))
			return
		case <-timer.C:
			c.scheduledCycle(ctx)
			timer.Reset(next())
		case <-c.trigger:
			c.scheduledCycle(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(next())
		}
	}
}

func (c *Coordinator) scheduledCycle(ctx context.Context) {
	switch c.currentMode() {
	case modeBackground:
		c.log.Debug("sync cycle skipped while backgrounded")
		return
	case modeAwaitingReachability:
		if err := c.checkReachability(ctx); err != nil {
			c.log.Debug("sync cycle deferred until transport is reachable", zap.Error(err))
			return
		}
		c.setMode(modeActive)
	}
	report, err := c.RunCycle(ctx)
	if err != nil {
		if errs.IsConfiguration(err) {
			c.log.Error("sync cycle needs configuration", zap.Error(err))
			return
		}
		c.log.Warn("sync cycle failed", zap.Error(err), zap.Bool("retry_next_cycle", nexus.IsRetryableLater(err)))
		return
	}
	c.log.Info("sync cycle completed",
		zap.Int("pushed", report.Pushed),
		zap.Int("pulled", report.Pulled),
		zap.Int64("next_version", report.Cursor),
		zap.Duration("duration", report.Duration),
	)
}

func (c *Coordinator) checkReachability(ctx context.Context) error {
	if c.deps.Auth == nil {
		return nil
	}
	return c.deps.Auth.CheckTransportReachability(ctx)
}

func (c *Coordinator) currentMode() mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) setMode(m mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) release() {
	<-c.sem
}

func (c *Coordinator) storeFor(category string) Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[category]; ok {
		return s
	}
	return c.deps.Applier
}

func (c *Coordinator) collectors() []Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Collector
	for _, s := range c.stores {
		if col, ok := s.(Collector); ok {
			out = append(out, col)
		}
	}
	return out
}
