package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
	"orderline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	return &testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func (env *testEnv) submit(t *testing.T, desc string) domain.Order {
	t.Helper()
	o, err := env.Engine.SubmitOrder(env.Ctx, engine.SubmitOptions{Description: desc, ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return o
}

func TestSubmitOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "echo hello")
	if o.ID == "" {
		t.Fatalf("expected generated id")
	}
	if o.Status != domain.StatusPending || o.AttemptCount != 0 {
		t.Fatalf("unexpected initial state: %+v", o)
	}

	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "echo hello" {
		t.Fatalf("description not persisted: %+v", got)
	}

	if _, err := env.Engine.SubmitOrder(env.Ctx, engine.SubmitOptions{ActorID: "tester"}); err == nil {
		t.Fatalf("expected error for empty description")
	}
}

func TestClaimBumpsAttemptAndLeases(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")

	claimed, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", claimed.Status)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("expected attempt 1, got %d", claimed.AttemptCount)
	}
	if claimed.LockedBy != "worker-a" || claimed.LockedUntil == 0 {
		t.Fatalf("lease not set: %+v", claimed)
	}
}

func TestLeaseBlocksSecondWorker(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")

	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-b")
	if !errors.Is(err, repo.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")

	workers := []string{"worker-a", "worker-b"}
	errs := make([]error, len(workers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, worker string) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.ClaimOrder(env.Ctx, o.ID, worker)
		}(i, w)
	}
	close(start)
	wg.Wait()

	var winners []string
	for i, err := range errs {
		if err == nil {
			winners = append(winners, workers[i])
			continue
		}
		// the loser sees ErrNotClaimable, or a driver busy error under contention
		if !errors.Is(err, repo.ErrNotClaimable) {
			t.Logf("losing claim error: %v", err)
		}
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning claim, got %d (%v)", len(winners), errs)
	}

	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LockedBy != winners[0] {
		t.Fatalf("lease holder %q does not match winner %q", got.LockedBy, winners[0])
	}
	if got.AttemptCount != 1 {
		t.Fatalf("exactly one attempt should be counted, got %d", got.AttemptCount)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")

	first, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// past the lease expiry, a crashed worker's claim is up for grabs
	env.advance(time.Duration(env.Engine.Config.Processor.LeaseDurationMs+1) * time.Millisecond)
	second, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-b")
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if second.LockedBy != "worker-b" {
		t.Fatalf("expected new holder, got %s", second.LockedBy)
	}
	if second.AttemptCount != first.AttemptCount+1 {
		t.Fatalf("reclaim should count a fresh attempt: %d", second.AttemptCount)
	}
}

func TestCompletedOrderNotClaimable(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")
	claimed, _ := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
	if _, _, err := env.Engine.CompleteOrder(env.Ctx, claimed, domain.ExecutionResult{Success: true, Output: map[string]any{"result": "ok"}}, "worker-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-b")
	if !errors.Is(err, repo.ErrNotClaimable) {
		t.Fatalf("completed order must stay done, got %v", err)
	}
}

func TestCompleteClearsStateAndRecordsApproval(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")
	claimed, _ := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")

	res, record, err := env.Engine.CompleteOrder(env.Ctx, claimed, domain.ExecutionResult{
		Success: true,
		Output:  map[string]any{"result": "done"},
	}, "worker-a")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.ResultID == "" || res.OrderID != o.ID {
		t.Fatalf("result identity not filled: %+v", res)
	}
	if record.Decision != domain.DecisionApproved || record.Source != domain.SourceAutomated {
		t.Fatalf("expected automated approval, got %+v", record)
	}

	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.LockedBy != "" || got.LockedUntil != 0 || got.NextAttemptAt != 0 || got.LastError != "" {
		t.Fatalf("completion should clear lease and retry state: %+v", got)
	}

	stored, err := env.Engine.Repo.GetResult(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if stored.ResultID != res.ResultID {
		t.Fatalf("result not persisted")
	}
	approvals, _ := env.Engine.Repo.ListApprovalsByOrder(env.Ctx, o.ID)
	if len(approvals) != 1 {
		t.Fatalf("expected one approval record, got %d", len(approvals))
	}
}

func TestFailSchedulesBackoff(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")
	claimed, _ := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")

	failed, err := env.Engine.FailOrder(env.Ctx, claimed, errors.New("boom"), nil, "worker-a")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.LastError != "boom" {
		t.Fatalf("last error not recorded: %q", failed.LastError)
	}
	wantDelay := env.Engine.Config.Processor.RetryBaseMs
	if got := failed.NextAttemptAt - env.Clock.UnixMilli(); got != wantDelay {
		t.Fatalf("first retry delay: want %d, got %d", wantDelay, got)
	}
	if failed.LockedBy != "" || failed.LockedUntil != 0 {
		t.Fatalf("failure should release the lease: %+v", failed)
	}
}

func TestBackoffDoubling(t *testing.T) {
	base, max := int64(1500), int64(30000)
	want := []int64{1500, 3000, 6000, 12000, 24000, 30000, 30000}
	for i, w := range want {
		if got := engine.Backoff(i+1, base, max); got != w {
			t.Fatalf("attempt %d: want %d, got %d", i+1, w, got)
		}
	}
	if got := engine.Backoff(100, base, max); got != max {
		t.Fatalf("huge attempt must cap at max, got %d", got)
	}
	if got := engine.Backoff(0, base, max); got != base {
		t.Fatalf("attempt floor: want %d, got %d", base, got)
	}
}

func TestTerminalAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Processor.MaxAttempts = 3
	o := env.submit(t, "work")

	for i := 0; i < 3; i++ {
		claimed, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
		if err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
		failed, err := env.Engine.FailOrder(env.Ctx, claimed, errors.New("persistent failure"), nil, "worker-a")
		if err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
		if i < 2 {
			if failed.Status != domain.StatusFailed {
				t.Fatalf("attempt %d should keep retrying, got %s", i+1, failed.Status)
			}
			env.advance(time.Duration(failed.NextAttemptAt-env.Clock.UnixMilli()+1) * time.Millisecond)
		} else {
			if failed.Status != domain.StatusFailedTerminal {
				t.Fatalf("attempt cap should be terminal, got %s", failed.Status)
			}
			if failed.AttemptCount != 3 {
				t.Fatalf("attempt count at cap: want 3, got %d", failed.AttemptCount)
			}
		}
	}

	_, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-b")
	if !errors.Is(err, repo.ErrNotClaimable) {
		t.Fatalf("terminal order must not be claimable, got %v", err)
	}
}

func TestFailedResultPersistedWithoutApproval(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")
	claimed, _ := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")

	res := domain.ExecutionResult{Output: map[string]any{"result": "partial"}}
	if _, err := env.Engine.FailOrder(env.Ctx, claimed, errors.New("late failure"), &res, "worker-a"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	stored, err := env.Engine.Repo.GetResult(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("failed attempt result should be inspectable: %v", err)
	}
	if stored.Success {
		t.Fatalf("stored failure result must not be marked successful")
	}
	approvals, _ := env.Engine.Repo.ListApprovalsByOrder(env.Ctx, o.ID)
	if len(approvals) != 0 {
		t.Fatalf("failed attempts produce no approval record, got %d", len(approvals))
	}
}

func completeOrder(t *testing.T, env *testEnv, desc string) (domain.Order, domain.ExecutionResult) {
	t.Helper()
	o := env.submit(t, desc)
	claimed, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, _, err := env.Engine.CompleteOrder(env.Ctx, claimed, domain.ExecutionResult{
		Success: true,
		Output:  map[string]any{"result": "ok"},
	}, "worker-a")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return claimed, res
}

func TestHumanDecisionTransitions(t *testing.T) {
	env := newTestEnv(t)

	// rejection of a completed order makes it terminal
	o, res := completeOrder(t, env, "reject me")
	rec, err := env.Engine.HumanDecide(env.Ctx, res.ResultID, domain.DecisionRejected, "not good enough", "reviewer")
	if err != nil {
		t.Fatalf("human decide: %v", err)
	}
	if rec.Source != domain.SourceHuman || rec.Decision != domain.DecisionRejected {
		t.Fatalf("unexpected record: %+v", rec)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("completed orders are final; rejection records the verdict only, got %s", got.Status)
	}

	// requires_improvement on a non-terminal order schedules an immediate retry
	o2 := env.submit(t, "improve me")
	claimed, _ := env.Engine.ClaimOrder(env.Ctx, o2.ID, "worker-a")
	res2 := domain.ExecutionResult{Output: map[string]any{}}
	if _, err := env.Engine.FailOrder(env.Ctx, claimed, errors.New("bad output"), &res2, "worker-a"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := env.Engine.HumanDecide(env.Ctx, res2.ResultID, domain.DecisionRequiresImprovement, "add the summary", "reviewer"); err != nil {
		t.Fatalf("human decide: %v", err)
	}
	got2, _ := env.Engine.Repo.GetOrder(env.Ctx, o2.ID)
	if got2.Status != domain.StatusFailed {
		t.Fatalf("expected failed awaiting retry, got %s", got2.Status)
	}
	if got2.NextAttemptAt > env.Clock.UnixMilli() {
		t.Fatalf("improvement retry should be due immediately")
	}

	// approval of a failed attempt completes the order
	rec3, err := env.Engine.HumanDecide(env.Ctx, res2.ResultID, domain.DecisionApproved, "", "reviewer")
	if err != nil {
		t.Fatalf("human approve: %v", err)
	}
	if rec3.Decision != domain.DecisionApproved {
		t.Fatalf("unexpected record: %+v", rec3)
	}
	got3, _ := env.Engine.Repo.GetOrder(env.Ctx, o2.ID)
	if got3.Status != domain.StatusCompleted {
		t.Fatalf("human approval should complete the order, got %s", got3.Status)
	}

	if _, err := env.Engine.HumanDecide(env.Ctx, res2.ResultID, "maybe", "", "reviewer"); err == nil {
		t.Fatalf("expected invalid decision error")
	}
	if _, err := env.Engine.HumanDecide(env.Ctx, "no-such-result", domain.DecisionApproved, "", "reviewer"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHumanDecisionKeepsLiveLease(t *testing.T) {
	env := newTestEnv(t)
	o := env.submit(t, "work")

	// first attempt fails and leaves a result behind
	claimed, _ := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
	res := domain.ExecutionResult{Output: map[string]any{}}
	failed, err := env.Engine.FailOrder(env.Ctx, claimed, errors.New("bad output"), &res, "worker-a")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}

	// worker-a retries; the order is now mid-execution under a live lease
	env.advance(time.Duration(failed.NextAttemptAt-env.Clock.UnixMilli()+1) * time.Millisecond)
	retry, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-a")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// a verdict on the old result must not tear down the running attempt's lease
	if _, err := env.Engine.HumanDecide(env.Ctx, res.ResultID, domain.DecisionRequiresImprovement, "add the summary", "reviewer"); err != nil {
		t.Fatalf("human decide: %v", err)
	}
	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed awaiting retry, got %s", got.Status)
	}
	if got.LockedBy != "worker-a" || got.LockedUntil != retry.LockedUntil {
		t.Fatalf("live lease must survive the verdict: %+v", got)
	}
	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, "worker-b"); !errors.Is(err, repo.ErrNotClaimable) {
		t.Fatalf("second worker must not claim mid-execution, got %v", err)
	}
}

func TestReevaluateAppendsRecord(t *testing.T) {
	env := newTestEnv(t)
	o, res := completeOrder(t, env, "work")

	rec, err := env.Engine.Reevaluate(env.Ctx, res.ResultID, "reviewer")
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if rec.Source != domain.SourceAutomated {
		t.Fatalf("reevaluation is automated, got %s", rec.Source)
	}
	approvals, _ := env.Engine.Repo.ListApprovalsByOrder(env.Ctx, o.ID)
	if len(approvals) != 2 {
		t.Fatalf("expected appended record, got %d", len(approvals))
	}
	if approvals[0].ID == approvals[1].ID {
		t.Fatalf("records must be distinct")
	}
}

func TestEventsAppendedOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	o, res := completeOrder(t, env, "work")
	if _, err := env.Engine.Reevaluate(env.Ctx, res.ResultID, "reviewer"); err != nil {
		t.Fatalf("reevaluate: %v", err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "order", o.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []string{"order.submitted", "order.claimed", "order.completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
