package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type turnPayload struct {
	TurnID string `json:"turn_id"`
}

func enqueue(t *testing.T, st *Store, kind JobKind, priority int, key string) string {
	t.Helper()
	id, err := st.EnqueueJob(context.Background(), EnqueueArgs{
		Kind: kind, Payload: turnPayload{TurnID: key}, Priority: priority, DedupeKey: key,
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return id
}

func TestJobState_Transitions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to JobState
		ok       bool
	}{
		{JobQueued, JobProcessing, true},
		{JobProcessing, JobDone, true},
		{JobProcessing, JobFailed, true},
		{JobQueued, JobDone, false},
		{JobQueued, JobFailed, false},
		{JobDone, JobQueued, false},
		{JobFailed, JobQueued, false},
		{JobFailed, JobProcessing, false},
		{JobProcessing, JobQueued, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	if !JobDone.Terminal() || !JobFailed.Terminal() || JobQueued.Terminal() {
		t.Fatalf("terminal states misreported")
	}
}

func TestEnqueueJob_DedupesQueuedJobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first := enqueue(t, st, KindTurnSummary, 0, "turn:s1:1")
	second := enqueue(t, st, KindTurnSummary, 0, "turn:s1:1")
	if first != second {
		t.Fatalf("dedupe returned %q, want %q", second, first)
	}

	leased, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 10, Owner: "w1"})
	if err != nil || len(leased) != 1 {
		t.Fatalf("leased=%d err=%v", len(leased), err)
	}
	if err := st.CompleteJob(ctx, first, map[string]string{"title": "x"}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if fresh := enqueue(t, st, KindTurnSummary, 0, "turn:s1:1"); fresh == first {
		t.Fatalf("completed job should not absorb a new enqueue")
	}
}

func TestEnqueueJob_ProcessingJobDoesNotAbsorbChangedTurn(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.UpsertSession(ctx, UpsertSessionArgs{ID: "s1", FilePath: "/a.jsonl", Workspace: "/w"}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	turnID, _, err := st.UpsertTurn(ctx, "s1", testTurn(1, "fp-a"))
	if err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}
	key := TurnJobKey("s1", 1)
	args := EnqueueArgs{
		Kind:      KindTurnSummary,
		Payload:   TurnJobPayload{SessionID: "s1", TurnID: turnID, Index: 1},
		Priority:  PriorityTurnSummary,
		DedupeKey: key,
	}
	first, err := st.EnqueueJob(ctx, args)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if leased, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 1, Owner: "w1"}); err != nil || len(leased) != 1 {
		t.Fatalf("leased=%d err=%v", len(leased), err)
	}

	if _, outcome, err := st.UpsertTurn(ctx, "s1", testTurn(1, "fp-b")); err != nil || outcome != TurnRefreshed {
		t.Fatalf("outcome=%v err=%v, want refreshed", outcome, err)
	}
	second, err := st.EnqueueJob(ctx, args)
	if err != nil {
		t.Fatalf("EnqueueJob (changed turn): %v", err)
	}
	if second == first {
		t.Fatalf("changed turn was absorbed by the in-flight job %q", first)
	}
	if again, err := st.EnqueueJob(ctx, args); err != nil || again != second {
		t.Fatalf("queued job not deduped: %q err=%v", again, err)
	}

	// The in-flight job finishes against content that is gone.
	if err := st.SetTurnSummary(ctx, turnID, "fp-a", TurnSummary{Title: "old"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale write-back err=%v, want ErrNotFound", err)
	}
	counts, err := st.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[JobQueued] != 1 || counts[JobProcessing] != 1 {
		t.Fatalf("counts=%v, want the new job queued beside the in-flight one", counts)
	}
}

func TestEnqueueJob_RejectsUnknownKind(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	_, err := st.EnqueueJob(context.Background(), EnqueueArgs{Kind: "bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestLeaseJobs_OrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	s1 := enqueue(t, st, KindSessionSummary, 1, "session:a")
	t1 := enqueue(t, st, KindTurnSummary, 0, "turn:a:1")
	t2 := enqueue(t, st, KindTurnSummary, 0, "turn:a:2")
	s2 := enqueue(t, st, KindSessionSummary, 1, "session:b")

	leased, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 3, Owner: "w1"})
	if err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	want := []string{t1, t2, s1}
	if len(leased) != len(want) {
		t.Fatalf("leased=%d, want %d", len(leased), len(want))
	}
	for i, job := range leased {
		if job.ID != want[i] {
			t.Fatalf("leased[%d]=%s, want %s", i, job.ID, want[i])
		}
		if job.State != JobProcessing || job.LeasedBy != "w1" {
			t.Fatalf("leased job=%+v", job)
		}
	}

	rest, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 3, Owner: "w1"})
	if err != nil || len(rest) != 1 || rest[0].ID != s2 {
		t.Fatalf("rest=%+v err=%v", rest, err)
	}
	empty, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 3, Owner: "w1"})
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty queue leased=%d err=%v", len(empty), err)
	}
}

func TestLeaseJobs_FiltersKinds(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	enqueue(t, st, KindTurnSummary, 0, "turn:a:1")
	session := enqueue(t, st, KindSessionSummary, 1, "session:a")

	leased, err := st.LeaseJobs(context.Background(), LeaseArgs{Kinds: []JobKind{KindSessionSummary}, Limit: 5})
	if err != nil || len(leased) != 1 || leased[0].ID != session {
		t.Fatalf("leased=%+v err=%v", leased, err)
	}
}

func TestLeaseJobs_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	const total = 40
	for i := 0; i < total; i++ {
		enqueue(t, st, KindTurnSummary, 0, fmt.Sprintf("turn:s:%d", i))
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		owner := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := st.LeaseJobs(context.Background(), LeaseArgs{Limit: 3, Owner: owner})
				if err != nil {
					errs <- err
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					if prev, ok := seen[job.ID]; ok {
						mu.Unlock()
						errs <- fmt.Errorf("job %s leased by %s and %s", job.ID, prev, owner)
						return
					}
					seen[job.ID] = owner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("%v", err)
	}
	if len(seen) != total {
		t.Fatalf("leased %d distinct jobs, want %d", len(seen), total)
	}
}

func TestCompleteAndFail_EnforceTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	id := enqueue(t, st, KindTurnSummary, 0, "turn:a:1")

	if err := st.CompleteJob(ctx, id, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("complete queued err=%v, want ErrIllegalTransition", err)
	}
	if _, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 1, Owner: "w"}); err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	if err := st.FailJob(ctx, id, "model timeout"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := st.CompleteJob(ctx, id, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("complete failed err=%v, want ErrIllegalTransition", err)
	}
	if err := st.FailJob(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fail missing err=%v, want ErrNotFound", err)
	}

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != JobFailed || job.Attempts != 1 || job.LastError != "model timeout" {
		t.Fatalf("job=%+v", job)
	}
}

func TestReplayJob_CreatesNewQueuedJob(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	id := enqueue(t, st, KindTurnSummary, 0, "turn:a:1")

	if _, err := st.ReplayJob(ctx, id); err == nil {
		t.Fatalf("replaying a queued job should fail")
	}
	if _, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 1}); err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	if err := st.FailJob(ctx, id, "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	replayID, err := st.ReplayJob(ctx, id)
	if err != nil {
		t.Fatalf("ReplayJob: %v", err)
	}
	if replayID == id {
		t.Fatalf("replay reused the failed id")
	}
	replay, err := st.GetJob(ctx, replayID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if replay.State != JobQueued || replay.ReplayOf != id || replay.Kind != KindTurnSummary {
		t.Fatalf("replay=%+v", replay)
	}
	var payload turnPayload
	if err := replay.DecodePayload(&payload); err != nil || payload.TurnID != "turn:a:1" {
		t.Fatalf("payload=%+v err=%v", payload, err)
	}
	original, err := st.GetJob(ctx, id)
	if err != nil || original.State != JobFailed {
		t.Fatalf("original=%+v err=%v", original, err)
	}
}

func TestStartJob_IsNeverLeased(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	job, err := st.StartJob(ctx, EnqueueArgs{Kind: KindBriefSynthesize, Payload: map[string]string{"workspace": "/w"}}, "project-brief")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if job.State != JobProcessing || job.LeasedBy != "project-brief" {
		t.Fatalf("job=%+v", job)
	}
	leased, err := st.LeaseJobs(ctx, LeaseArgs{Limit: 10})
	if err != nil || len(leased) != 0 {
		t.Fatalf("leased=%d err=%v", len(leased), err)
	}
	if err := st.CompleteJob(ctx, job.ID, json.RawMessage(`{"mode":"synthesize"}`)); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	counts, err := st.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[JobDone] != 1 || counts[JobQueued] != 0 {
		t.Fatalf("counts=%v", counts)
	}
	done, err := st.ListJobs(ctx, ListJobsArgs{State: JobDone})
	if err != nil || len(done) != 1 || string(done[0].Result) != `{"mode":"synthesize"}` {
		t.Fatalf("done=%+v err=%v", done, err)
	}
}
