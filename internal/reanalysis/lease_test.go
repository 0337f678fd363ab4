package reanalysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/audit"
	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/detect"
)

// gatedClaims holds the first claim of each store until every store is
// about to claim, so the claims race.
type gatedClaims struct {
	JobRepository
	ready *sync.WaitGroup
	once  sync.Once
}

func (g *gatedClaims) ClaimJob(ctx context.Context, id, owner string, at time.Time) (bool, error) {
	g.once.Do(func() {
		g.ready.Done()
		g.ready.Wait()
	})
	return g.JobRepository.ClaimJob(ctx, id, owner, at)
}

func TestTwoProcessorsClaimJobOnce(t *testing.T) {
	h := newHarness(t)
	seedDocs(t, h.db, 20, mixedContent)
	id := h.createJob(t, CreateRequest{BatchSize: 5})

	var ready sync.WaitGroup
	ready.Add(2)
	factory := func(ctx context.Context) (detect.Detector, error) { return h.detector, nil }
	procs := make([]*Processor, 2)
	for i := range procs {
		store := NewStore(&gatedClaims{JobRepository: h.db, ready: &ready}, nil)
		procs[i] = NewProcessor(store, h.docs, h.db, factory, nil, h.events, discardLogger(),
			ProcessorConfig{Owner: fmt.Sprintf("host:%d", i)})
	}

	errs := make([]error, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.ProcessJob(context.Background(), id)
		}()
	}
	wg.Wait()

	won := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if won >= 0 {
				t.Fatalf("expected one winner, both processors ran job")
			}
			won = i
		case !errors.Is(err, ErrInvalidTransition):
			t.Errorf("expected ErrInvalidTransition for the loser, got %v", err)
		}
	}
	if won < 0 {
		t.Fatalf("expected one processor to run the job, got %v", errs)
	}

	j := h.job(t, id)
	if j.Status != database.JobCompleted || j.Owner != fmt.Sprintf("host:%d", won) {
		t.Errorf("expected completed by host:%d, got %s by %q", won, j.Status, j.Owner)
	}
	counts := h.docs.counts()
	if len(counts) != 20 {
		t.Errorf("expected 20 documents written, got %d", len(counts))
	}
	for doc, n := range counts {
		if n != 1 {
			t.Errorf("document %s written %d times", doc, n)
		}
	}
	if n := len(h.events.ofType(audit.EventStarted)); n != 1 {
		t.Errorf("expected 1 started event, got %d", n)
	}
}

func TestUpdateLosesToConcurrentWriter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createJob(t, CreateRequest{})
	other := NewStore(h.db, nil)

	_, err := h.store.Update(ctx, id, func(j *database.Job) error {
		// Another process cancels between our read and our write.
		if _, err := other.Update(ctx, id, func(j *database.Job) error {
			return transition(j, database.JobCancelled, time.Now())
		}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		return transition(j, database.JobRunning, time.Now())
	})

	var te *TransitionError
	if !errors.As(err, &te) || te.From != database.JobCancelled || te.To != database.JobRunning {
		t.Fatalf("expected cancelled -> running transition error, got %v", err)
	}
	if got := h.job(t, id).Status; got != database.JobCancelled {
		t.Errorf("expected job to stay cancelled, got %s", got)
	}
}

func TestSaveAfterRecoveryReturnsLeaseLost(t *testing.T) {
	h := newHarness(t)
	seedDocs(t, h.db, 20, mixedContent)
	id := h.createJob(t, CreateRequest{BatchSize: 5})

	// A second process whose clock is past the lease timeout sees the job
	// as abandoned after the first checkpoint.
	late := NewWorker(NewStore(h.db, nil), h.processor, time.Hour, discardLogger())
	late.now = func() time.Time { return time.Now().Add(time.Hour) }
	var recovered int
	var recoverErr error
	h.events.setHook(func(e audit.Event) {
		if e.Type == audit.EventProgress && e.Progress.ProcessedCount == 5 {
			recovered, recoverErr = late.RecoverInterrupted(context.Background())
		}
	})

	err := h.processor.ProcessJob(context.Background(), id)
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if recoverErr != nil || recovered != 1 {
		t.Fatalf("expected 1 recovered job, got %d (err %v)", recovered, recoverErr)
	}

	j := h.job(t, id)
	if j.Status != database.JobFailed || j.Error != interruptedMessage {
		t.Errorf("expected failed with %q, got %s %q", interruptedMessage, j.Status, j.Error)
	}
	if j.Progress.ProcessedCount != 5 || j.Progress.LastCheckpointID != docID(4) {
		t.Errorf("expected recovered checkpoint %s at 5, got %s at %d",
			docID(4), j.Progress.LastCheckpointID, j.Progress.ProcessedCount)
	}
	if n := len(h.events.ofType(audit.EventFailed)); n != 0 {
		t.Errorf("expected the former owner not to report a failure, got %d events", n)
	}
	if n := h.docs.counts()[docID(10)]; n != 0 {
		t.Errorf("expected no writes past the next batch, got %d for %s", n, docID(10))
	}
}

func TestHeartbeatStopsRunWhenLeaseLost(t *testing.T) {
	h := newHarness(t)
	seedDocs(t, h.db, 10, mixedContent)
	id := h.createJob(t, CreateRequest{BatchSize: 5})
	other := NewStore(h.db, nil)

	var once sync.Once
	blocking := detect.Func(func(ctx context.Context, text string) ([]string, error) {
		once.Do(func() {
			j, err := other.Get(context.Background(), id)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if ok, err := other.Expire(context.Background(), j, time.Now().Add(time.Hour), "expired"); !ok || err != nil {
				t.Errorf("expected expire to apply, got %v (err %v)", ok, err)
			}
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("heartbeat never noticed the lost lease")
		}
	})
	p := NewProcessor(h.store, h.docs, h.db,
		func(ctx context.Context) (detect.Detector, error) { return blocking, nil },
		nil, h.events, discardLogger(), ProcessorConfig{LeaseTimeout: 40 * time.Millisecond},
	)

	err := p.ProcessJob(context.Background(), id)
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	j := h.job(t, id)
	if j.Status != database.JobFailed || j.Error != "expired" {
		t.Errorf("expected the recovering writer's failure to stand, got %s %q", j.Status, j.Error)
	}
	if len(h.docs.counts()) != 0 {
		t.Error("expected no documents written")
	}
}

func TestDefaultOwnerIsUnique(t *testing.T) {
	a, b := DefaultOwner(), DefaultOwner()
	if a == b {
		t.Errorf("expected distinct owners, got %q twice", a)
	}
}
