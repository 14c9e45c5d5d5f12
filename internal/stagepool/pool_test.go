package stagepool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"kidstream/internal/credentials"
	"kidstream/internal/testsupport/upstreamstub"
	"kidstream/internal/upstream"
)

func newTestPool(t *testing.T, stub *upstreamstub.Stub, cfg Config, clock clockwork.Clock) *Pool {
	t.Helper()
	issuer, err := credentials.NewIssuer(stub, credentials.Config{Region: "us-east-1"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	pool, err := New(stub, issuer, cfg, nil, clock)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

func quietConfig() Config {
	cfg := DefaultConfig("us-east-1")
	cfg.TargetPoolSize = 0
	cfg.CreateSpacing = 0
	return cfg
}

func seedPrefixed(stub *upstreamstub.Stub, n int) []string {
	arns := make([]string, 0, n)
	for i := 0; i < n; i++ {
		arn := fmt.Sprintf("arn:stub:stage/seed-%03d", i)
		stub.Seed(upstream.Stage{
			Arn:  arn,
			Name: fmt.Sprintf("kid-stream-1700000000000-seed%02d", i),
			Tags: map[string]string{"pool": "true"},
		})
		arns = append(arns, arn)
	}
	return arns
}

func TestInitializeAdoptsPrefixedStagesAndRecoversInUse(t *testing.T) {
	stub := upstreamstub.New()
	seedPrefixed(stub, 2)
	stub.Seed(upstream.Stage{Arn: "arn:stub:stage/other", Name: "someone-elses-stage"})
	stub.SetActiveSession("arn:stub:stage/seed-001", "stream-live")

	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer pool.Shutdown()

	status := pool.Status()
	if status.Total != 2 || status.InUse != 1 || status.Available != 1 {
		t.Fatalf("status = %+v, want total=2 inUse=1 available=1", status)
	}
	if got, ok := pool.FindByStreamID("stream-live"); !ok || got.Arn != "arn:stub:stage/seed-001" {
		t.Fatalf("FindByStreamID = %+v, %v", got, ok)
	}

	// Repeat initialize is a no-op.
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize returned error: %v", err)
	}
	if got := pool.Status().Total; got != 2 {
		t.Fatalf("total after repeat initialize = %d", got)
	}
}

func TestInitializeFailsWhenListFails(t *testing.T) {
	stub := upstreamstub.New()
	stub.ListStagesErr = errors.New("upstream down")
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.Initialize(context.Background()); err == nil {
		t.Fatal("expected Initialize to surface the list error")
	}
	if _, err := pool.Allocate(context.Background(), "s", "u", "c"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Allocate error = %v, want ErrNotInitialized", err)
	}
}

func TestAllocateFromWarmPool(t *testing.T) {
	stub := upstreamstub.New()
	seedPrefixed(stub, 3)
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	allocation, err := pool.Allocate(context.Background(), "stream-1", "child-user", "child-1")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if stub.CreateCalls != 0 {
		t.Fatalf("warm allocation should not create stages, got %d creates", stub.CreateCalls)
	}
	if allocation.StageArn == "" || allocation.Token.Token == "" {
		t.Fatalf("incomplete allocation: %+v", allocation)
	}
	if allocation.WhipURL != credentials.DefaultWhipEndpoint {
		t.Fatalf("whip url = %q", allocation.WhipURL)
	}
	if allocation.Region != "us-east-1" {
		t.Fatalf("region = %q", allocation.Region)
	}
	wantCaps := []string{upstream.CapabilityPublish, upstream.CapabilitySubscribe}
	if len(allocation.Token.Capabilities) != 2 ||
		allocation.Token.Capabilities[0] != wantCaps[0] ||
		allocation.Token.Capabilities[1] != wantCaps[1] {
		t.Fatalf("capabilities = %v", allocation.Token.Capabilities)
	}

	status := pool.Status()
	if status.InUse != 1 || status.Available != 2 {
		t.Fatalf("status after allocate = %+v", status)
	}
	if got, ok := pool.FindByStreamID("stream-1"); !ok || got.Arn != allocation.StageArn {
		t.Fatalf("FindByStreamID = %+v, %v", got, ok)
	}
}

func TestAllocateOnDemandWhenPoolEmpty(t *testing.T) {
	stub := upstreamstub.New()
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	allocation, err := pool.Allocate(context.Background(), "stream-1", "child-user", "child-1")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if stub.CreateCalls != 1 {
		t.Fatalf("create calls = %d, want 1", stub.CreateCalls)
	}
	if status := pool.Status(); status.Total != 1 || status.InUse != 1 {
		t.Fatalf("status = %+v", status)
	}
	if allocation.StageName == "" {
		t.Fatal("allocation missing stage name")
	}
}

func TestAllocateExhaustedAtMaxPoolSize(t *testing.T) {
	stub := upstreamstub.New()
	seedPrefixed(stub, 1)
	cfg := quietConfig()
	cfg.MaxPoolSize = 1
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if _, err := pool.Allocate(context.Background(), "stream-1", "user", "child"); err != nil {
		t.Fatalf("first Allocate returned error: %v", err)
	}
	_, err := pool.Allocate(context.Background(), "stream-2", "user", "child")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("second Allocate error = %v, want ErrExhausted", err)
	}
	if stub.CreateCalls != 0 {
		t.Fatalf("no creates expected at max size, got %d", stub.CreateCalls)
	}
}

func TestAllocateOnDemandCreateFailureIsExhaustion(t *testing.T) {
	stub := upstreamstub.New()
	stub.CreateStageErr = errors.New("throttled")
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	_, err := pool.Allocate(context.Background(), "stream-1", "user", "child")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Allocate error = %v, want ErrExhausted", err)
	}
	if stub.CreateCalls != 1 {
		t.Fatalf("create calls = %d, want exactly one attempt", stub.CreateCalls)
	}
}

func TestAllocateRollsBackEntryWhenMintFails(t *testing.T) {
	stub := upstreamstub.New()
	arns := seedPrefixed(stub, 1)
	stub.TokenErrs = []error{errors.New("token service down")}
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if _, err := pool.Allocate(context.Background(), "stream-1", "user", "child"); err == nil {
		t.Fatal("expected mint failure to surface")
	}
	status := pool.Status()
	if status.Available != 1 || status.InUse != 0 || status.Total != 1 {
		t.Fatalf("rollback left status %+v", status)
	}
	if _, ok := pool.FindByStreamID("stream-1"); ok {
		t.Fatal("rolled-back entry still bound to stream")
	}

	// The stage is reusable: the next allocation succeeds on the same entry.
	allocation, err := pool.Allocate(context.Background(), "stream-2", "user", "child")
	if err != nil {
		t.Fatalf("retry Allocate returned error: %v", err)
	}
	if allocation.StageArn != arns[0] {
		t.Fatalf("retry used stage %q, want %q", allocation.StageArn, arns[0])
	}
	if stub.CreateCalls != 0 {
		t.Fatalf("retry should reuse the stage, got %d creates", stub.CreateCalls)
	}
}

func TestReleaseDeletesStageAndIsIdempotent(t *testing.T) {
	stub := upstreamstub.New()
	seedPrefixed(stub, 1)
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	allocation, err := pool.Allocate(context.Background(), "stream-1", "user", "child")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	pool.Release(context.Background(), allocation.StageArn)
	if status := pool.Status(); status.Total != 0 {
		t.Fatalf("status after release = %+v, want empty pool", status)
	}
	if len(stub.DeletedArns) != 1 || stub.DeletedArns[0] != allocation.StageArn {
		t.Fatalf("deleted arns = %v", stub.DeletedArns)
	}

	// Unknown arn: log and return.
	pool.Release(context.Background(), allocation.StageArn)
	if stub.DeleteCalls != 1 {
		t.Fatalf("delete calls after repeat release = %d, want 1", stub.DeleteCalls)
	}
}

func TestReleaseKeepsEntryIdleWhenDeleteFails(t *testing.T) {
	stub := upstreamstub.New()
	seedPrefixed(stub, 1)
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	allocation, err := pool.Allocate(context.Background(), "stream-1", "user", "child")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	stub.DeleteStageErr = errors.New("upstream busy")
	pool.Release(context.Background(), allocation.StageArn)

	status := pool.Status()
	if status.Total != 1 || status.Available != 1 || status.InUse != 0 {
		t.Fatalf("status after failed delete = %+v", status)
	}
	if _, ok := pool.FindByStreamID("stream-1"); ok {
		t.Fatal("released entry still bound to stream")
	}

	// The idle entry is allocatable again.
	stub.DeleteStageErr = nil
	if _, err := pool.Allocate(context.Background(), "stream-2", "user", "child"); err != nil {
		t.Fatalf("reallocate after failed delete: %v", err)
	}
}

func TestReleaseHoldsStageOutOfAllocationDuringDelete(t *testing.T) {
	stub := upstreamstub.New()
	seedPrefixed(stub, 1)
	cfg := quietConfig()
	cfg.MaxPoolSize = 1
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	allocation, err := pool.Allocate(context.Background(), "stream-1", "user", "child")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	// A competing allocation arriving while the upstream delete is in
	// flight must not be handed the stage being destroyed.
	var raceErr error
	stub.DeleteHook = func(string) {
		stub.DeleteHook = nil
		_, raceErr = pool.Allocate(context.Background(), "stream-2", "user", "child")
	}
	pool.Release(context.Background(), allocation.StageArn)

	if !errors.Is(raceErr, ErrExhausted) {
		t.Fatalf("mid-delete Allocate error = %v, want ErrExhausted", raceErr)
	}
	if _, ok := pool.FindByStreamID("stream-2"); ok {
		t.Fatal("competing stream bound to a deleted stage")
	}
	if status := pool.Status(); status.Total != 0 {
		t.Fatalf("status after release = %+v, want empty pool", status)
	}
}

func TestCleanupDoesNotRecycleStageMidDelete(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	stub := upstreamstub.New()
	old := clock.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	stub.Seed(upstream.Stage{Arn: "arn:stub:stage/stale", Name: "kid-stream-1-a", Tags: map[string]string{"createdAt": old}})
	pool := newTestPool(t, stub, quietConfig(), clock)
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	// An allocation landing while cleanup is deleting the stale stage must
	// get a fresh stage, never the one mid-delete.
	var raceArn string
	stub.DeleteHook = func(string) {
		stub.DeleteHook = nil
		allocation, err := pool.Allocate(context.Background(), "stream-1", "user", "child")
		if err != nil {
			t.Errorf("mid-cleanup Allocate returned error: %v", err)
			return
		}
		raceArn = allocation.StageArn
	}
	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}

	if raceArn == "" || raceArn == "arn:stub:stage/stale" {
		t.Fatalf("mid-cleanup allocation got stage %q", raceArn)
	}
	status := pool.Status()
	if status.Total != 1 || status.InUse != 1 {
		t.Fatalf("status after cleanup = %+v, want only the fresh in-use stage", status)
	}
	if got, ok := pool.FindByStreamID("stream-1"); !ok || got.Arn != raceArn {
		t.Fatalf("FindByStreamID = %+v, %v", got, ok)
	}
}

func TestConcurrentOnDemandCreatesRespectMaxPoolSize(t *testing.T) {
	stub := upstreamstub.New()
	cfg := quietConfig()
	cfg.MaxPoolSize = 1
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	// A second allocation arriving while the first is still creating its
	// stage must count the in-flight create against the cap.
	var raceErr error
	stub.CreateHook = func(string) {
		stub.CreateHook = nil
		_, raceErr = pool.Allocate(context.Background(), "stream-2", "user", "child")
	}
	if _, err := pool.Allocate(context.Background(), "stream-1", "user", "child"); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	if !errors.Is(raceErr, ErrExhausted) {
		t.Fatalf("overlapping Allocate error = %v, want ErrExhausted", raceErr)
	}
	if stub.CreateCalls != 1 {
		t.Fatalf("create calls = %d, want 1", stub.CreateCalls)
	}
	if status := pool.Status(); status.Total != 1 {
		t.Fatalf("status = %+v, want total capped at 1", status)
	}
}

func TestOnDemandCreateFailureFreesReservedCapacity(t *testing.T) {
	stub := upstreamstub.New()
	stub.CreateStageErr = errors.New("throttled")
	cfg := quietConfig()
	cfg.MaxPoolSize = 1
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if _, err := pool.Allocate(context.Background(), "stream-1", "user", "child"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Allocate error = %v, want ErrExhausted", err)
	}

	// The failed create must not leave capacity reserved.
	stub.CreateStageErr = nil
	if _, err := pool.Allocate(context.Background(), "stream-2", "user", "child"); err != nil {
		t.Fatalf("retry Allocate returned error: %v", err)
	}
	if status := pool.Status(); status.Total != 1 || status.InUse != 1 {
		t.Fatalf("status after retry = %+v", status)
	}
}

func TestReplenishCreatesUpToTarget(t *testing.T) {
	stub := upstreamstub.New()
	cfg := quietConfig()
	cfg.TargetPoolSize = 3
	cfg.CreateBatchLimit = 5
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}
	if status := pool.Status(); status.Available != 3 || status.Total != 3 {
		t.Fatalf("status after replenish = %+v", status)
	}
	if stub.CreateCalls != 3 {
		t.Fatalf("create calls = %d, want 3", stub.CreateCalls)
	}

	// Pool at target: the next pass creates nothing.
	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("second Replenish returned error: %v", err)
	}
	if stub.CreateCalls != 3 {
		t.Fatalf("create calls after no-op pass = %d, want 3", stub.CreateCalls)
	}
}

func TestReplenishRespectsBatchLimitAndMax(t *testing.T) {
	stub := upstreamstub.New()
	cfg := quietConfig()
	cfg.TargetPoolSize = 10
	cfg.CreateBatchLimit = 2
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}
	if stub.CreateCalls != 2 {
		t.Fatalf("create calls = %d, want batch limit 2", stub.CreateCalls)
	}

	cfg2 := quietConfig()
	cfg2.TargetPoolSize = 10
	cfg2.MaxPoolSize = 1
	cfg2.CreateBatchLimit = 5
	stub2 := upstreamstub.New()
	pool2 := newTestPool(t, stub2, cfg2, clockwork.NewFakeClock())
	if err := pool2.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if err := pool2.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}
	if stub2.CreateCalls != 1 {
		t.Fatalf("create calls = %d, want max pool size to cap at 1", stub2.CreateCalls)
	}
}

func TestReplenishStopsBatchOnCreateFailure(t *testing.T) {
	stub := upstreamstub.New()
	stub.CreateStageErr = errors.New("throttled")
	cfg := quietConfig()
	cfg.TargetPoolSize = 5
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish should swallow create failures, got %v", err)
	}
	if stub.CreateCalls != 1 {
		t.Fatalf("create calls = %d, want batch to end after first failure", stub.CreateCalls)
	}

	// Next pass retries.
	stub.CreateStageErr = nil
	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("retry Replenish returned error: %v", err)
	}
	if status := pool.Status(); status.Available != 5 {
		t.Fatalf("status after retry = %+v", status)
	}
}

func TestCleanupDeletesOnlyStaleIdleStages(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	stub := upstreamstub.New()
	old := clock.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	fresh := clock.Now().Add(-5 * time.Minute).Format(time.RFC3339)
	stub.Seed(upstream.Stage{Arn: "arn:stub:stage/stale", Name: "kid-stream-1-a", Tags: map[string]string{"createdAt": old}})
	stub.Seed(upstream.Stage{Arn: "arn:stub:stage/fresh", Name: "kid-stream-1-b", Tags: map[string]string{"createdAt": fresh}})
	stub.Seed(upstream.Stage{Arn: "arn:stub:stage/busy", Name: "kid-stream-1-c", Tags: map[string]string{"createdAt": old}})
	stub.SetActiveSession("arn:stub:stage/busy", "stream-busy")

	pool := newTestPool(t, stub, quietConfig(), clock)
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}
	if len(stub.DeletedArns) != 1 || stub.DeletedArns[0] != "arn:stub:stage/stale" {
		t.Fatalf("deleted arns = %v, want only the stale idle stage", stub.DeletedArns)
	}
	if status := pool.Status(); status.Total != 2 {
		t.Fatalf("status after cleanup = %+v", status)
	}
}

func TestCleanupHonorsBatchLimit(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	stub := upstreamstub.New()
	old := clock.Now().Add(-3 * time.Hour).Format(time.RFC3339)
	for i := 0; i < 5; i++ {
		stub.Seed(upstream.Stage{
			Arn:  fmt.Sprintf("arn:stub:stage/old-%d", i),
			Name: fmt.Sprintf("kid-stream-1-%d", i),
			Tags: map[string]string{"createdAt": old},
		})
	}
	cfg := quietConfig()
	cfg.CleanupBatchLimit = 3
	pool := newTestPool(t, stub, cfg, clock)
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}
	if len(stub.DeletedArns) != 3 {
		t.Fatalf("deleted %d stages in one pass, want 3", len(stub.DeletedArns))
	}
	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("second Replenish returned error: %v", err)
	}
	if len(stub.DeletedArns) != 5 {
		t.Fatalf("deleted %d stages after two passes, want 5", len(stub.DeletedArns))
	}
}

func TestReplenishSpacesSuccessiveCreates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	stub := upstreamstub.New().WithNow(clock.Now)
	cfg := quietConfig()
	cfg.TargetPoolSize = 3
	cfg.CreateSpacing = 250 * time.Millisecond
	pool := newTestPool(t, stub, cfg, clock)
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Replenish(context.Background()) }()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(250 * time.Millisecond)
	}
	if err := <-done; err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}

	if len(stub.CreateTimes) != 3 {
		t.Fatalf("create calls = %d, want 3", len(stub.CreateTimes))
	}
	for i := 1; i < len(stub.CreateTimes); i++ {
		if gap := stub.CreateTimes[i].Sub(stub.CreateTimes[i-1]); gap < 250*time.Millisecond {
			t.Fatalf("creates %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestReplenishIsSingleFlight(t *testing.T) {
	stub := upstreamstub.New()
	cfg := quietConfig()
	cfg.TargetPoolSize = 1
	pool := newTestPool(t, stub, cfg, clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	pool.replenishing.Store(true)
	if err := pool.Replenish(context.Background()); err != nil {
		t.Fatalf("Replenish returned error: %v", err)
	}
	if stub.CreateCalls != 0 {
		t.Fatalf("overlapping pass created %d stages, want 0", stub.CreateCalls)
	}
	pool.replenishing.Store(false)
}

func TestSubscribeTokenDoesNotTouchPoolState(t *testing.T) {
	stub := upstreamstub.New()
	arns := seedPrefixed(stub, 1)
	pool := newTestPool(t, stub, quietConfig(), clockwork.NewFakeClock())
	if err := pool.adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	token, err := pool.SubscribeToken(context.Background(), arns[0], "parent-1", "stream-1")
	if err != nil {
		t.Fatalf("SubscribeToken returned error: %v", err)
	}
	if len(token.Capabilities) != 1 || token.Capabilities[0] != upstream.CapabilitySubscribe {
		t.Fatalf("capabilities = %v, want subscribe only", token.Capabilities)
	}
	if status := pool.Status(); status.InUse != 0 || status.Total != 1 {
		t.Fatalf("status changed by subscribe token: %+v", status)
	}
}

func TestBackgroundLoopReplenishesAfterInitialize(t *testing.T) {
	stub := upstreamstub.New()
	cfg := quietConfig()
	cfg.TargetPoolSize = 2
	pool := newTestPool(t, stub, cfg, clockwork.NewRealClock())
	if err := pool.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer pool.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Status().Available == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never reached target, status = %+v", pool.Status())
}
