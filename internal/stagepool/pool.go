// Package stagepool maintains a warm pool of upstream stages so that
// stream starts are not throttled by the upstream create-rate limit.
package stagepool

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"kidstream/internal/credentials"
	"kidstream/internal/models"
	"kidstream/internal/observability/logging"
	"kidstream/internal/observability/metrics"
	"kidstream/internal/upstream"
)

// ErrExhausted is returned when no idle stage exists and a new one could
// not be created, either because the pool is at MaxPoolSize or because
// the upstream create failed.
var ErrExhausted = errors.New("stage pool exhausted")

// ErrNotInitialized is returned by Allocate before Initialize has run.
var ErrNotInitialized = errors.New("stage pool not initialized")

// PooledStage is a read-only snapshot of one pool entry.
type PooledStage struct {
	Arn         string
	Name        string
	CreatedAt   time.Time
	InUse       bool
	StreamID    string
	AllocatedAt time.Time
}

// Allocation is the result of binding a stage to a stream: the stage,
// a publish credential, and the endpoints the publisher connects to.
type Allocation struct {
	StageArn  string
	StageName string
	Token     models.ParticipantToken
	WhipURL   string
	Region    string
}

// Status summarizes pool occupancy.
type Status struct {
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Total     int `json:"total"`
}

type entry struct {
	stage     upstream.Stage
	createdAt time.Time
	inUse     bool
	// releasing marks an entry whose upstream delete is in flight. It is
	// neither allocatable nor removable until the delete resolves.
	releasing   bool
	streamID    string
	allocatedAt time.Time
}

// Pool owns a set of upstream stages and hands them out to streams. All
// methods are safe for concurrent use. Upstream calls are never made
// while holding the pool lock.
type Pool struct {
	cfg    Config
	api    upstream.API
	issuer *credentials.Issuer
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
	// pending counts creates that have reserved capacity against
	// MaxPoolSize but not yet inserted their entry.
	pending     int
	initialized bool

	replenishing atomic.Bool

	wake        chan struct{}
	stop        chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	loopRunning atomic.Bool
}

// New builds a Pool. The issuer mints publish tokens during Allocate;
// the clock exists so tests can drive time.
func New(api upstream.API, issuer *credentials.Issuer, cfg Config, logger *slog.Logger, clock clockwork.Clock) (*Pool, error) {
	if api == nil {
		return nil, fmt.Errorf("upstream api is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("credential issuer is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pool{
		cfg:     cfg,
		api:     api,
		issuer:  issuer,
		logger:  logging.WithComponent(logger, "stagepool"),
		clock:   clock,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Initialize adopts every upstream stage whose name carries the pool
// prefix, marks stages with an active session as in use, and starts the
// replenishment loop. It is idempotent; repeat calls are no-ops.
func (p *Pool) Initialize(ctx context.Context) error {
	if err := p.adopt(ctx); err != nil {
		return err
	}
	p.startOnce.Do(func() {
		p.loopRunning.Store(true)
		go p.run()
	})
	p.wakeReplenish()
	return nil
}

// adopt loads prefixed upstream stages into the pool map exactly once.
func (p *Pool) adopt(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	stages, err := p.api.ListStages(ctx)
	if err != nil {
		return fmt.Errorf("list upstream stages: %w", err)
	}

	now := p.clock.Now()
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	adopted, recovered := 0, 0
	for _, stage := range stages {
		if !strings.HasPrefix(stage.Name, p.cfg.StagePrefix+"-") {
			continue
		}
		e := &entry{stage: stage, createdAt: stageCreatedAt(stage, now)}
		if stage.ActiveSessionID != "" {
			// A publisher survived a process restart. Keep the binding so
			// the stage is not handed to a second stream.
			e.inUse = true
			e.streamID = stage.ActiveSessionID
			e.allocatedAt = now
			recovered++
		}
		p.entries[stage.Arn] = e
		adopted++
	}
	p.initialized = true
	p.publishGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("stage pool initialized",
		"adopted", adopted,
		"recovered_in_use", recovered,
		"target", p.cfg.TargetPoolSize,
		"max", p.cfg.MaxPoolSize)
	return nil
}

// stageCreatedAt prefers the createdAt tag stamped at creation so stage
// age survives restarts.
func stageCreatedAt(stage upstream.Stage, fallback time.Time) time.Time {
	if raw, ok := stage.Tags["createdAt"]; ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed
		}
	}
	return fallback
}

// Allocate binds an idle stage to streamID and mints a publish token for
// userID. When the pool is empty a stage is created on demand, still
// bounded by MaxPoolSize. A failed token mint rolls the entry back to
// idle so the stage stays reusable.
func (p *Pool) Allocate(ctx context.Context, streamID, userID, childID string) (allocation Allocation, err error) {
	start := p.clock.Now()
	defer func() {
		metrics.ObserveAllocation(p.clock.Since(start), err)
	}()

	if streamID == "" || userID == "" {
		return Allocation{}, fmt.Errorf("stream id and user id are required")
	}

	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return Allocation{}, ErrNotInitialized
	}
	var stageArn, stageName string
	for _, e := range p.entries {
		if !e.inUse && !e.releasing {
			e.inUse = true
			e.streamID = streamID
			e.allocatedAt = p.clock.Now()
			stageArn = e.stage.Arn
			stageName = e.stage.Name
			break
		}
	}
	if stageArn != "" {
		p.publishGaugesLocked()
	}
	atMax := len(p.entries)+p.pending >= p.cfg.MaxPoolSize
	if stageArn == "" && !atMax {
		// Reserve capacity while the lock is held so concurrent allocators
		// cannot overshoot MaxPoolSize between unlock and insert.
		p.pending++
	}
	p.mu.Unlock()

	if stageArn == "" {
		if atMax {
			return Allocation{}, fmt.Errorf("%w: pool at max size %d", ErrExhausted, p.cfg.MaxPoolSize)
		}
		stage, createErr := p.createStage(ctx, metrics.OriginOnDemand)
		if createErr != nil {
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
			return Allocation{}, fmt.Errorf("%w: on-demand create failed: %v", ErrExhausted, createErr)
		}
		stageArn, stageName = stage.Arn, stage.Name
		p.mu.Lock()
		p.pending--
		p.entries[stage.Arn] = &entry{
			stage:       stage,
			createdAt:   p.clock.Now(),
			inUse:       true,
			streamID:    streamID,
			allocatedAt: p.clock.Now(),
		}
		p.publishGaugesLocked()
		p.mu.Unlock()
	}

	token, err := p.issuer.PublishToken(ctx, stageArn, userID, map[string]string{
		"childId":  childID,
		"streamId": streamID,
		"role":     "publisher",
	}, credentials.PublisherTokenTTL)
	if err != nil {
		p.mu.Lock()
		if e, ok := p.entries[stageArn]; ok && e.streamID == streamID {
			e.inUse = false
			e.streamID = ""
			e.allocatedAt = time.Time{}
			p.publishGaugesLocked()
		}
		p.mu.Unlock()
		return Allocation{}, fmt.Errorf("mint publish token: %w", err)
	}

	logging.WithContext(ctx, p.logger).Info("stage allocated",
		"stage_arn", stageArn,
		"stream_id", streamID)
	return Allocation{
		StageArn:  stageArn,
		StageName: stageName,
		Token:     token,
		WhipURL:   p.issuer.WhipEndpoint(),
		Region:    p.issuer.Region(),
	}, nil
}

// SubscribeToken mints a view-only credential for a stage. Pool state is
// not touched.
func (p *Pool) SubscribeToken(ctx context.Context, stageArn, userID, streamID string) (models.ParticipantToken, error) {
	return p.issuer.SubscribeToken(ctx, stageArn, userID, map[string]string{
		"streamId": streamID,
		"role":     "viewer",
	}, credentials.ViewerTokenTTL)
}

// Release surrenders a stage after a stream ends. The entry stays
// unavailable while the upstream delete is in flight so the stage is
// never handed to a new stream mid-destruction; when the delete fails
// the entry returns to idle and a later cleanup pass retries. Unknown
// ARNs are a no-op.
func (p *Pool) Release(ctx context.Context, stageArn string) {
	p.mu.Lock()
	e, ok := p.entries[stageArn]
	if !ok || e.releasing {
		p.mu.Unlock()
		p.logger.Debug("release of unknown stage", "stage_arn", stageArn)
		return
	}
	e.inUse = false
	e.releasing = true
	e.streamID = ""
	e.allocatedAt = time.Time{}
	p.publishGaugesLocked()
	p.mu.Unlock()

	err := p.api.DeleteStage(ctx, stageArn)
	metrics.StageDeleted(err)
	p.mu.Lock()
	if cur, ok := p.entries[stageArn]; ok {
		cur.releasing = false
		if err == nil && !cur.inUse {
			delete(p.entries, stageArn)
		}
		p.publishGaugesLocked()
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("stage delete failed on release, keeping entry idle",
			"stage_arn", stageArn, "error", err)
	}
	p.wakeReplenish()
}

// FindByStreamID returns the entry currently bound to streamID.
func (p *Pool) FindByStreamID(streamID string) (PooledStage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.inUse && e.streamID == streamID {
			return snapshot(e), true
		}
	}
	return PooledStage{}, false
}

// WhipEndpoint returns the global ingress URL advertised to publishers.
func (p *Pool) WhipEndpoint() string {
	return p.issuer.WhipEndpoint()
}

// Region returns the configured upstream region.
func (p *Pool) Region() string {
	return p.cfg.Region
}

// Status reports current occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pool) statusLocked() Status {
	var s Status
	for _, e := range p.entries {
		s.Total++
		// Entries mid-delete are not allocatable.
		if e.inUse || e.releasing {
			s.InUse++
		} else {
			s.Available++
		}
	}
	return s
}

func (p *Pool) publishGaugesLocked() {
	s := p.statusLocked()
	metrics.SetPoolStatus(s.Available, s.InUse, s.Total)
}

// Shutdown stops the replenishment loop. In-use stages are left alive so
// running streams survive a restart.
func (p *Pool) Shutdown() {
	if !p.loopRunning.Load() {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pool) run() {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.cfg.ReplenishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.Chan():
		case <-p.wake:
		}
		if err := p.Replenish(context.Background()); err != nil {
			p.logger.Warn("replenish pass failed", "error", err)
		}
	}
}

func (p *Pool) wakeReplenish() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Replenish runs one cleanup-then-create pass. Concurrent passes are
// collapsed: if one is already running the call returns immediately.
// Create failures end the pass early; the next tick retries.
func (p *Pool) Replenish(ctx context.Context) error {
	if !p.replenishing.CompareAndSwap(false, true) {
		return nil
	}
	defer p.replenishing.Store(false)

	p.cleanupOldStages(ctx)

	for created := 0; created < p.cfg.CreateBatchLimit; created++ {
		p.mu.Lock()
		s := p.statusLocked()
		need := p.cfg.TargetPoolSize - s.Available
		room := p.cfg.MaxPoolSize - s.Total - p.pending
		if need <= 0 || room <= 0 {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		p.mu.Unlock()
		if created > 0 {
			p.clock.Sleep(p.cfg.CreateSpacing)
		}
		stage, err := p.createStage(ctx, metrics.OriginReplenish)
		if err != nil {
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
			p.logger.Warn("replenish create failed, ending pass", "error", err)
			return nil
		}
		p.mu.Lock()
		p.pending--
		p.entries[stage.Arn] = &entry{stage: stage, createdAt: p.clock.Now()}
		p.publishGaugesLocked()
		p.mu.Unlock()
	}
	return nil
}

func (p *Pool) cleanupOldStages(ctx context.Context) {
	cutoff := p.clock.Now().Add(-p.cfg.StageMaxAge)

	p.mu.Lock()
	var stale []string
	for arn, e := range p.entries {
		if !e.inUse && !e.releasing && e.createdAt.Before(cutoff) {
			// Hold the entry out of allocation for the duration of the
			// upstream delete.
			e.releasing = true
			stale = append(stale, arn)
			if len(stale) >= p.cfg.CleanupBatchLimit {
				break
			}
		}
	}
	p.mu.Unlock()

	for _, arn := range stale {
		err := p.api.DeleteStage(ctx, arn)
		metrics.StageDeleted(err)
		p.mu.Lock()
		if cur, ok := p.entries[arn]; ok {
			cur.releasing = false
			if err == nil && !cur.inUse {
				delete(p.entries, arn)
			}
			p.publishGaugesLocked()
		}
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("cleanup delete failed", "stage_arn", arn, "error", err)
			continue
		}
		p.logger.Info("cleaned up idle stage", "stage_arn", arn)
	}
}

func (p *Pool) createStage(ctx context.Context, origin string) (upstream.Stage, error) {
	now := p.clock.Now()
	name := fmt.Sprintf("%s-%d-%s", p.cfg.StagePrefix, now.UnixMilli(), randomSuffix(6))
	stage, err := p.api.CreateStage(ctx, name, map[string]string{
		"pool":      "true",
		"createdAt": now.UTC().Format(time.RFC3339),
	})
	metrics.StageCreated(origin, err)
	if err != nil {
		return upstream.Stage{}, err
	}
	p.logger.Info("stage created", "stage_arn", stage.Arn, "origin", origin)
	return stage, nil
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(buf)
}

func snapshot(e *entry) PooledStage {
	return PooledStage{
		Arn:         e.stage.Arn,
		Name:        e.stage.Name,
		CreatedAt:   e.createdAt,
		InUse:       e.inUse,
		StreamID:    e.streamID,
		AllocatedAt: e.allocatedAt,
	}
}
