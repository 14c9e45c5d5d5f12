// Package upstreamstub provides a scriptable in-memory implementation of
// the upstream live-video API for tests.
package upstreamstub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kidstream/internal/upstream"
)

// Stub implements upstream.API with deterministic, scriptable behaviour.
// All exported error fields are consulted on each matching call; TokenErrs
// is consumed one entry per CreateParticipantToken call, allowing tests to
// fail the first mint and succeed afterwards.
type Stub struct {
	mu           sync.Mutex
	stages       map[string]upstream.Stage
	compositions map[string]upstream.Composition
	counter      int

	CreateStageErr error
	DeleteStageErr error
	GetStageErr    error
	ListStagesErr  error
	TokenErrs      []error

	// CreateHook and DeleteHook, when set, run at the top of the matching
	// call before the stub lock is taken, so a test can interleave other
	// work with an in-flight upstream call.
	CreateHook func(name string)
	DeleteHook func(arn string)

	CreateCalls int
	DeleteCalls int
	TokenCalls  int
	CreateTimes []time.Time
	DeletedArns []string
	TokenTTL    time.Duration
	now         func() time.Time
}

// New returns an empty stub. Stages may be pre-seeded with Seed.
func New() *Stub {
	return &Stub{
		stages:       make(map[string]upstream.Stage),
		compositions: make(map[string]upstream.Composition),
		now:          time.Now,
	}
}

// WithNow overrides the clock used for create timestamps and token expiry.
func (s *Stub) WithNow(now func() time.Time) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Seed installs a stage directly, bypassing rate accounting.
func (s *Stub) Seed(stage upstream.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage.Arn] = stage
}

// SetActiveSession overrides the active session reported for a stage.
func (s *Stub) SetActiveSession(arn, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, ok := s.stages[arn]
	if !ok {
		stage = upstream.Stage{Arn: arn, Name: arn}
	}
	stage.ActiveSessionID = sessionID
	s.stages[arn] = stage
}

// StageCount reports the number of stages currently held upstream.
func (s *Stub) StageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stages)
}

func (s *Stub) CreateStage(ctx context.Context, name string, tags map[string]string) (upstream.Stage, error) {
	if s.CreateHook != nil {
		s.CreateHook(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCalls++
	s.CreateTimes = append(s.CreateTimes, s.now())
	if s.CreateStageErr != nil {
		return upstream.Stage{}, s.CreateStageErr
	}
	s.counter++
	stage := upstream.Stage{
		Arn:  fmt.Sprintf("arn:stub:stage/%06d", s.counter),
		Name: name,
		Tags: cloneTags(tags),
	}
	s.stages[stage.Arn] = stage
	return stage, nil
}

func (s *Stub) GetStage(ctx context.Context, arn string) (*upstream.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetStageErr != nil {
		return nil, s.GetStageErr
	}
	stage, ok := s.stages[arn]
	if !ok {
		return nil, nil
	}
	copied := stage
	copied.Tags = cloneTags(stage.Tags)
	return &copied, nil
}

func (s *Stub) ListStages(ctx context.Context) ([]upstream.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListStagesErr != nil {
		return nil, s.ListStagesErr
	}
	stages := make([]upstream.Stage, 0, len(s.stages))
	for _, stage := range s.stages {
		copied := stage
		copied.Tags = cloneTags(stage.Tags)
		stages = append(stages, copied)
	}
	return stages, nil
}

func (s *Stub) DeleteStage(ctx context.Context, arn string) error {
	if s.DeleteHook != nil {
		s.DeleteHook(arn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++
	if s.DeleteStageErr != nil {
		return s.DeleteStageErr
	}
	delete(s.stages, arn)
	s.DeletedArns = append(s.DeletedArns, arn)
	return nil
}

func (s *Stub) CreateParticipantToken(ctx context.Context, params upstream.TokenParams) (upstream.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TokenCalls++
	if len(s.TokenErrs) > 0 {
		err := s.TokenErrs[0]
		s.TokenErrs = s.TokenErrs[1:]
		if err != nil {
			return upstream.Token{}, err
		}
	}
	if _, ok := s.stages[params.StageArn]; !ok {
		return upstream.Token{}, fmt.Errorf("stage %s not found", params.StageArn)
	}
	ttl := params.Duration
	if ttl <= 0 {
		ttl = s.TokenTTL
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return upstream.Token{
		Token:         fmt.Sprintf("tok-%s-%d", params.UserID, s.TokenCalls),
		ParticipantID: fmt.Sprintf("participant-%d", s.TokenCalls),
		ExpiresAt:     s.now().Add(ttl),
	}, nil
}

func (s *Stub) StartComposition(ctx context.Context, params upstream.CompositionParams) (upstream.Composition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.IdempotencyToken != "" {
		for _, existing := range s.compositions {
			if existing.StageArn == params.StageArn && existing.State == "ACTIVE" {
				return existing, nil
			}
		}
	}
	composition := upstream.Composition{
		Arn:      fmt.Sprintf("arn:stub:composition/%s", params.IdempotencyToken),
		StageArn: params.StageArn,
		State:    "ACTIVE",
	}
	s.compositions[composition.Arn] = composition
	return composition, nil
}

func (s *Stub) StopComposition(ctx context.Context, arn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	composition, ok := s.compositions[arn]
	if !ok {
		return fmt.Errorf("composition %s not found", arn)
	}
	composition.State = "STOPPED"
	s.compositions[arn] = composition
	return nil
}

func (s *Stub) ListCompositions(ctx context.Context, stageArn string) ([]upstream.Composition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var compositions []upstream.Composition
	for _, composition := range s.compositions {
		if stageArn == "" || composition.StageArn == stageArn {
			compositions = append(compositions, composition)
		}
	}
	return compositions, nil
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ upstream.API = (*Stub)(nil)
