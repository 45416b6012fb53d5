package storage

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and
// verifies migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestNarrativeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	n := Narrative{
		ID:            "n1",
		AgentID:       "agent",
		OwnerUserID:   "alice",
		Title:         "Trip planning",
		Hint:          "Planning a trip to Norway",
		Keywords:      []string{"trip", "norway"},
		Participants:  []string{"bob"},
		RoutingVector: []float32{0.1, 0.2, 0.3},
	}
	if err := s.SaveNarrative(n); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}

	got, err := s.GetNarrative("n1")
	if err != nil {
		t.Fatalf("GetNarrative: %v", err)
	}
	if got.Title != n.Title || got.OwnerUserID != n.OwnerUserID {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if len(got.RoutingVector) != 3 || got.RoutingVector[1] != 0.2 {
		t.Errorf("routing vector mismatch: %v", got.RoutingVector)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "trip" {
		t.Errorf("keywords mismatch: %v", got.Keywords)
	}

	if _, err := s.GetNarrative("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNilRoutingVectorStaysNil(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveNarrative(Narrative{ID: "n1", AgentID: "a"}); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}
	got, err := s.GetNarrative("n1")
	if err != nil {
		t.Fatalf("GetNarrative: %v", err)
	}
	if got.RoutingVector != nil {
		t.Errorf("expected nil routing vector, got %v", got.RoutingVector)
	}
}

func TestEnsureDefaultNarratives(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnsureDefaultNarratives("agent", "alice"); err != nil {
		t.Fatalf("EnsureDefaultNarratives: %v", err)
	}
	// Second call must be a no-op, not a constraint violation.
	if err := s.EnsureDefaultNarratives("agent", "alice"); err != nil {
		t.Fatalf("second EnsureDefaultNarratives: %v", err)
	}

	defaults, err := s.DefaultNarratives("agent", "alice")
	if err != nil {
		t.Fatalf("DefaultNarratives: %v", err)
	}
	if len(defaults) != len(DefaultCodes) {
		t.Fatalf("expected %d defaults, got %d", len(DefaultCodes), len(defaults))
	}
	for _, d := range defaults {
		if !d.Special {
			t.Errorf("default narrative %s not marked special", d.ID)
		}
		if d.ID != DefaultNarrativeID("agent", "alice", d.DefaultCode) {
			t.Errorf("non-deterministic default id %s for code %s", d.ID, d.DefaultCode)
		}
	}
}

func TestDefaultNarrativeIDWithoutUser(t *testing.T) {
	id := DefaultNarrativeID("agent", "", "general")
	if id != "default:agent:-:general" {
		t.Errorf("unexpected id %s", id)
	}
}

func TestParticipantNarratives(t *testing.T) {
	s := openTestStore(t)

	// Owned by bob, alice participates.
	shared := Narrative{ID: "shared", AgentID: "agent", OwnerUserID: "bob", Participants: []string{"alice"}}
	if err := s.SaveNarrative(shared); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}
	// Owned by alice herself: not a participant thread for alice.
	own := Narrative{ID: "own", AgentID: "agent", OwnerUserID: "alice", Participants: []string{"alice"}}
	if err := s.SaveNarrative(own); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}

	got, err := s.ParticipantNarratives("agent", "alice")
	if err != nil {
		t.Fatalf("ParticipantNarratives: %v", err)
	}
	if len(got) != 1 || got[0].ID != "shared" {
		t.Errorf("expected only the shared thread, got %+v", got)
	}
}

func TestAddParticipant(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveNarrative(Narrative{ID: "n1", AgentID: "agent", OwnerUserID: "bob"}); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}
	if err := s.AddParticipant("n1", "alice"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	// Duplicate add stays a single entry.
	if err := s.AddParticipant("n1", "alice"); err != nil {
		t.Fatalf("second AddParticipant: %v", err)
	}

	got, err := s.GetNarrative("n1")
	if err != nil {
		t.Fatalf("GetNarrative: %v", err)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "alice" {
		t.Errorf("participants mismatch: %v", got.Participants)
	}
}

func TestEventCompleteAndDuplicate(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveNarrative(Narrative{ID: "n1", AgentID: "agent"}); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}
	if err := s.SaveNarrative(Narrative{ID: "n2", AgentID: "agent"}); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}

	if err := s.SaveEvent(Event{ID: "e1", NarrativeID: "n1", Origin: "api", Input: "hello"}); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := s.CompleteEvent("e1", "hi there", []float32{0.5, 0.5}); err != nil {
		t.Fatalf("CompleteEvent: %v", err)
	}

	got, err := s.GetEvent("e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Output != "hi there" || len(got.Embedding) != 2 {
		t.Errorf("completed event mismatch: %+v", got)
	}

	dupID, err := s.DuplicateEvent("e1", "n2")
	if err != nil {
		t.Fatalf("DuplicateEvent: %v", err)
	}
	if dupID == "e1" {
		t.Error("duplicate reused the original id")
	}
	dup, err := s.GetEvent(dupID)
	if err != nil {
		t.Fatalf("GetEvent(duplicate): %v", err)
	}
	if dup.NarrativeID != "n2" || dup.Input != "hello" || dup.Output != "hi there" {
		t.Errorf("duplicate mismatch: %+v", dup)
	}
}

func TestRecentEventEmbeddingsSkipsMissing(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveNarrative(Narrative{ID: "n1", AgentID: "agent"}); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}
	if err := s.SaveEvent(Event{ID: "e1", NarrativeID: "n1", Input: "a"}); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := s.CompleteEvent("e1", "out", []float32{1, 0}); err != nil {
		t.Fatalf("CompleteEvent: %v", err)
	}
	// e2 has no embedding yet.
	if err := s.SaveEvent(Event{ID: "e2", NarrativeID: "n1", Input: "b"}); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	embeddings, err := s.RecentEventEmbeddings("n1", 10)
	if err != nil {
		t.Fatalf("RecentEventEmbeddings: %v", err)
	}
	if len(embeddings) != 1 {
		t.Errorf("expected 1 embedding, got %d", len(embeddings))
	}
}

func TestIncrementEventCounterAndVectorReset(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveNarrative(Narrative{ID: "n1", AgentID: "agent"}); err != nil {
		t.Fatalf("SaveNarrative: %v", err)
	}

	for i := 1; i <= 3; i++ {
		count, err := s.IncrementEventCounter("n1")
		if err != nil {
			t.Fatalf("IncrementEventCounter: %v", err)
		}
		if count != i {
			t.Errorf("expected counter %d, got %d", i, count)
		}
	}

	if err := s.UpdateRoutingVector("n1", []float32{1, 2}); err != nil {
		t.Fatalf("UpdateRoutingVector: %v", err)
	}
	got, err := s.GetNarrative("n1")
	if err != nil {
		t.Fatalf("GetNarrative: %v", err)
	}
	if got.EventsSinceRefresh != 0 {
		t.Errorf("refresh must reset the counter, got %d", got.EventsSinceRefresh)
	}
	if len(got.RoutingVector) != 2 {
		t.Errorf("routing vector not stored: %v", got.RoutingVector)
	}
}

func TestInstanceLinksAndHistory(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveInstance(ModuleInstance{ID: "i1", Class: "digest", AgentID: "agent", Status: InstanceActive}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	if err := s.LinkInstance("i1", "n1"); err != nil {
		t.Fatalf("LinkInstance: %v", err)
	}

	active, err := s.InstancesByLinkState("n1", LinkActive)
	if err != nil {
		t.Fatalf("InstancesByLinkState: %v", err)
	}
	if len(active) != 1 || active[0].ID != "i1" {
		t.Fatalf("expected i1 active, got %+v", active)
	}

	if err := s.MoveLinkToHistory("i1", "n1"); err != nil {
		t.Fatalf("MoveLinkToHistory: %v", err)
	}
	history, err := s.HistoryInstanceIDs("n1")
	if err != nil {
		t.Fatalf("HistoryInstanceIDs: %v", err)
	}
	if !history["i1"] {
		t.Error("i1 missing from history set")
	}

	active, err = s.InstancesByLinkState("n1", LinkActive)
	if err != nil {
		t.Fatalf("InstancesByLinkState: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active links, got %+v", active)
	}

	// The instance survives unlinking.
	if _, err := s.GetInstance("i1"); err != nil {
		t.Errorf("instance should survive history move: %v", err)
	}

	// Re-linking resets the pair to active.
	if err := s.LinkInstance("i1", "n1"); err != nil {
		t.Fatalf("re-LinkInstance: %v", err)
	}
	active, err = s.InstancesByLinkState("n1", LinkActive)
	if err != nil {
		t.Fatalf("InstancesByLinkState: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("re-link did not reactivate: %+v", active)
	}
}

func TestInstanceDependsOnRoundTrip(t *testing.T) {
	s := openTestStore(t)

	inst := ModuleInstance{
		ID: "i1", Class: "digest", AgentID: "agent",
		Status: InstanceBlocked, DependsOn: []string{"i0"},
		Config: map[string]string{"depth": "3"},
	}
	if err := s.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	got, err := s.GetInstance("i1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "i0" {
		t.Errorf("depends_on mismatch: %v", got.DependsOn)
	}
	if got.Config["depth"] != "3" {
		t.Errorf("config mismatch: %v", got.Config)
	}
}

func TestClaimJobWinsOnce(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobOnce}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimJob("j1")
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one claim winner, got %d", winners)
	}
}

func TestClaimRejectsNonClaimableStatuses(t *testing.T) {
	s := openTestStore(t)

	for _, status := range []string{JobRunning, JobCompleted, JobFailed, JobPaused, JobCancelled} {
		id := "j-" + status
		if err := s.EnqueueJob(Job{ID: id, Type: JobOnce, Status: status}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		won, err := s.ClaimJob(id)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		if won {
			t.Errorf("claim succeeded for status %s", status)
		}
	}
}

func TestDueJobsOrderAndFilter(t *testing.T) {
	s := openTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	if err := s.EnqueueJob(Job{ID: "late", Type: JobOnce, NextRunAt: past.Add(-time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "due", Type: JobOnce, NextRunAt: past}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "notyet", Type: JobOnce, NextRunAt: future}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	due, err := s.DueJobs(10)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(due))
	}
	if due[0].ID != "late" || due[1].ID != "due" {
		t.Errorf("due jobs out of order: %s, %s", due[0].ID, due[1].ID)
	}
}

func TestFailJobBackoffThenFailed(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobOnce, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := s.FailJob("j1", "boom", time.Time{}); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 1 {
		t.Errorf("expected pending retry after first failure, got %s attempts=%d", j.Status, j.Attempts)
	}
	if !j.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("retry should be delayed by backoff, next run %v", j.NextRunAt)
	}

	if err := s.FailJob("j1", "boom again", time.Time{}); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	j, err = s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobFailed {
		t.Errorf("expected failed after max attempts, got %s", j.Status)
	}
	if j.LastError != "boom again" {
		t.Errorf("last error not recorded: %q", j.LastError)
	}
}

func TestFailRecurringJobStaysActive(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobScheduled, Trigger: "1h", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	next := time.Now().UTC().Add(time.Hour)
	if err := s.FailJob("j1", "boom", next); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobActive {
		t.Errorf("recurring job must stay active after a failed iteration, got %s", j.Status)
	}
}

func TestRescheduleJobBumpsIterations(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobOngoing, Trigger: "30m"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if won, err := s.ClaimJob("j1"); err != nil || !won {
		t.Fatalf("ClaimJob: won=%v err=%v", won, err)
	}
	next := time.Now().UTC().Add(30 * time.Minute)
	if err := s.RescheduleJob("j1", next); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}
	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobActive || j.Iterations != 1 {
		t.Errorf("expected active with 1 iteration, got %s iterations=%d", j.Status, j.Iterations)
	}
	if !j.StartedAt.IsZero() {
		t.Errorf("started_at should clear on reschedule, got %v", j.StartedAt)
	}
}

func TestStuckJobRecovery(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobOnce}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if won, err := s.ClaimJob("j1"); err != nil || !won {
		t.Fatalf("ClaimJob: won=%v err=%v", won, err)
	}

	// Backdate started_at past the timeout.
	old := formatTime(time.Now().UTC().Add(-time.Hour))
	if _, err := s.db.Exec(`UPDATE jobs SET started_at = ? WHERE id = ?`, old, "j1"); err != nil {
		t.Fatalf("backdating started_at: %v", err)
	}

	stuck, err := s.StuckJobs(30 * time.Minute)
	if err != nil {
		t.Fatalf("StuckJobs: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected 1 stuck job, got %d", len(stuck))
	}

	if err := s.RecoverJob("j1", "stuck", time.Now().UTC()); err != nil {
		t.Fatalf("RecoverJob: %v", err)
	}
	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending {
		t.Errorf("one-off recovery should return to pending, got %s", j.Status)
	}
	if j.LastError != "stuck" {
		t.Errorf("recovery reason not recorded: %q", j.LastError)
	}
}

func TestResetRunningJobsOnStart(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "once", Type: JobOnce}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "sched", Type: JobScheduled, Trigger: "1h"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	for _, id := range []string{"once", "sched"} {
		if won, err := s.ClaimJob(id); err != nil || !won {
			t.Fatalf("ClaimJob(%s): won=%v err=%v", id, won, err)
		}
	}

	reset, err := s.ResetRunningJobs()
	if err != nil {
		t.Fatalf("ResetRunningJobs: %v", err)
	}
	if len(reset) != 2 {
		t.Fatalf("expected 2 reset jobs, got %d", len(reset))
	}

	once, _ := s.GetJob("once")
	if once.Status != JobPending {
		t.Errorf("one-off should reset to pending, got %s", once.Status)
	}
	sched, _ := s.GetJob("sched")
	if sched.Status != JobActive {
		t.Errorf("recurring should reset to active, got %s", sched.Status)
	}
	if sched.NextRunAt.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("reset next run should be immediate, got %v", sched.NextRunAt)
	}
}

func TestMarkJobsDueNow(t *testing.T) {
	s := openTestStore(t)

	future := time.Now().UTC().Add(time.Hour)
	if err := s.EnqueueJob(Job{ID: "j1", Type: JobScheduled, Trigger: "1h", InstanceID: "i1", Status: JobActive, NextRunAt: future}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if err := s.MarkJobsDueNow("i1"); err != nil {
		t.Fatalf("MarkJobsDueNow: %v", err)
	}
	due, err := s.DueJobs(10)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != "j1" {
		t.Errorf("job should be due after MarkJobsDueNow, got %+v", due)
	}
}
