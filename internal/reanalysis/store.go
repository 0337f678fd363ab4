package reanalysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/retry"
)

// JobRepository is the persistence the job store needs. *database.DB
// implements it.
type JobRepository interface {
	InsertJob(ctx context.Context, j *database.Job) error
	SaveJobIf(ctx context.Context, j *database.Job, pre database.JobPrecondition) (bool, error)
	ClaimJob(ctx context.Context, id, owner string, at time.Time) (bool, error)
	TouchJob(ctx context.Context, id, owner string, at time.Time) (bool, error)
	GetJob(ctx context.Context, id string) (*database.Job, error)
	ListJobs(ctx context.Context, f database.JobFilter) ([]database.Job, error)
	CountActiveJobs(ctx context.Context) (int, error)
}

// Store persists whole job documents. Writes go through the retry policy and
// are conditional on the status and owner the writer last saw, so processes
// sharing a database cannot overwrite each other's transitions.
type Store struct {
	repo  JobRepository
	retry *retry.Policy
	mu    sync.Mutex
	now   func() time.Time
}

func NewStore(repo JobRepository, policy *retry.Policy) *Store {
	if policy == nil {
		policy = &retry.Policy{}
	}
	return &Store{repo: repo, retry: policy, now: time.Now}
}

// Create inserts a new job document.
func (s *Store) Create(ctx context.Context, j *database.Job) error {
	return s.retry.Do(ctx, "insert job", func(ctx context.Context) error {
		return s.repo.InsertJob(ctx, j)
	})
}

// Get returns the job or an error wrapping ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*database.Job, error) {
	var j *database.Job
	err := s.retry.Do(ctx, "get job", func(ctx context.Context) error {
		var err error
		j, err = s.repo.GetJob(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f database.JobFilter) ([]database.Job, error) {
	return s.repo.ListJobs(ctx, f)
}

// Update loads the job, applies patch and writes the whole document back. If
// patch returns an error nothing is written. If another writer changed the
// job's status or owner in between, Update returns a *TransitionError from
// the job's current status.
func (s *Store) Update(ctx context.Context, id string, patch func(j *database.Job) error) (*database.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pre := database.JobPrecondition{Status: j.Status, Owner: j.Owner}
	if err := patch(j); err != nil {
		return nil, err
	}
	ok, err := s.saveIf(ctx, j, pre)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lostRace(ctx, id, j.Status)
	}
	return j, nil
}

// Claim moves a queued job to running on behalf of owner. Of several
// claimants, in this process or another, exactly one succeeds; the others
// get a *TransitionError.
func (s *Store) Claim(ctx context.Context, id, owner string) (*database.Job, error) {
	now := s.now().UTC()
	var won bool
	err := s.retry.Do(ctx, "claim job", func(ctx context.Context) error {
		var err error
		won, err = s.repo.ClaimJob(ctx, id, owner, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, s.lostRace(ctx, id, database.JobRunning)
	}
	return s.Get(ctx, id)
}

// Save writes a running job's document on behalf of its owner and refreshes
// its heartbeat. The stored job must still be running under j.Owner;
// otherwise Save returns ErrLeaseLost.
func (s *Store) Save(ctx context.Context, j *database.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	j.HeartbeatAt = &now
	ok, err := s.saveIf(ctx, j, database.JobPrecondition{Status: database.JobRunning, Owner: j.Owner})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, j.ID)
	}
	return nil
}

// Heartbeat renews owner's lease on a running job.
func (s *Store) Heartbeat(ctx context.Context, id, owner string) error {
	ok, err := s.repo.TouchJob(ctx, id, owner, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, id)
	}
	return nil
}

// Expire marks a running job Failed with reason, but only while its
// heartbeat is older than staleBefore. It reports false when the owner
// renewed the lease or finished the job first.
func (s *Store) Expire(ctx context.Context, j *database.Job, staleBefore time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pre := database.JobPrecondition{Status: database.JobRunning, Owner: j.Owner, StaleBefore: &staleBefore}
	if err := transition(j, database.JobFailed, s.now().UTC()); err != nil {
		return false, err
	}
	j.Error = reason
	j.Progress.EstimatedSecondsRemaining = nil
	return s.saveIf(ctx, j, pre)
}

func (s *Store) saveIf(ctx context.Context, j *database.Job, pre database.JobPrecondition) (bool, error) {
	j.UpdatedAt = s.now().UTC()
	var ok bool
	err := s.retry.Do(ctx, "save job", func(ctx context.Context) error {
		var err error
		ok, err = s.repo.SaveJobIf(ctx, j, pre)
		return err
	})
	return ok, err
}

func (s *Store) lostRace(ctx context.Context, id string, to database.JobStatus) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{From: cur.Status, To: to}
}
