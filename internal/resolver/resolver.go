// Package resolver computes job readiness over the dependency graph,
// propagates dependency failures, and rejects cycles at submission.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Resolver walks the dependency graph stored in the job repository.
type Resolver struct {
	jobs domain.JobRepository
	// maxPending bounds how many pending jobs one resolution tick considers.
	maxPending int
}

// New constructs a Resolver.
func New(jobs domain.JobRepository) *Resolver {
	return &Resolver{jobs: jobs, maxPending: 500}
}

// FailedDependency pairs a pending job with the dependency ids that
// terminally block it.
type FailedDependency struct {
	Job        domain.Job
	FailedDeps []string
}

// Error builds the propagated failure message for the blocked job.
func (f FailedDependency) Error() string {
	return "dependency failed: " + strings.Join(f.FailedDeps, ",")
}

// Resolution is the outcome of one resolution tick. A job appears in at
// most one of the two sets.
type Resolution struct {
	Ready  []domain.Job
	Failed []FailedDependency
}

// Resolve classifies pending jobs: ready (every dependency completed) or
// terminally blocked (some dependency failed, cancelled, or missing).
// Scheduled-for jobs whose instant has not arrived are neither.
func (r *Resolver) Resolve(ctx domain.Context) (Resolution, error) {
	pending, err := r.jobs.ListByStatus(ctx, domain.JobPending, r.maxPending)
	if err != nil {
		return Resolution{}, fmt.Errorf("op=resolver.resolve: %w", err)
	}
	now := time.Now().UTC()
	statuses := map[string]domain.JobStatus{}
	var res Resolution
	for _, p := range pending {
		if p.ScheduledFor != nil && p.ScheduledFor.After(now) {
			continue
		}
		ready := true
		var failed []string
		for _, dep := range p.Dependencies {
			st, ok := statuses[dep]
			if !ok {
				dj, err := r.jobs.Get(ctx, dep)
				if err != nil {
					// A dependency that no longer exists blocks terminally.
					st = domain.JobFailed
				} else {
					st = dj.Status
				}
				statuses[dep] = st
			}
			switch st {
			case domain.JobCompleted:
			case domain.JobFailed, domain.JobCancelled:
				ready = false
				failed = append(failed, dep)
			default:
				ready = false
			}
		}
		// Failure propagation wins over readiness within a single tick so a
		// job is never both ready and propagated.
		if len(failed) > 0 {
			res.Failed = append(res.Failed, FailedDependency{Job: p, FailedDeps: failed})
			continue
		}
		if ready {
			res.Ready = append(res.Ready, p)
		}
	}
	sort.SliceStable(res.Ready, func(i, j int) bool {
		a, b := res.Ready[i], res.Ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return res, nil
}

// ValidateAcyclic reports ErrCycle when binding jobID to deps would close a
// directed cycle. It walks predecessors breadth-first from the proposed
// dependencies.
func (r *Resolver) ValidateAcyclic(ctx domain.Context, jobID string, deps []string) error {
	seen := map[string]bool{}
	frontier := append([]string(nil), deps...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == jobID {
			return fmt.Errorf("op=resolver.cycle: job %s: %w", jobID, domain.ErrCycle)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		j, err := r.jobs.Get(ctx, id)
		if err != nil {
			continue
		}
		frontier = append(frontier, j.Dependencies...)
	}
	return nil
}

// DependencyChain returns the transitive predecessors of a job, nearest
// first, without duplicates.
func (r *Resolver) DependencyChain(ctx domain.Context, id string) ([]string, error) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("op=resolver.chain: %w", err)
	}
	seen := map[string]bool{}
	var chain []string
	frontier := append([]string(nil), j.Dependencies...)
	for len(frontier) > 0 {
		dep := frontier[0]
		frontier = frontier[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		chain = append(chain, dep)
		dj, err := r.jobs.Get(ctx, dep)
		if err != nil {
			continue
		}
		frontier = append(frontier, dj.Dependencies...)
	}
	return chain, nil
}

// Dependents returns the ids of jobs that directly depend on id.
func (r *Resolver) Dependents(ctx domain.Context, id string) ([]string, error) {
	jobs, err := r.jobs.ListDependents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("op=resolver.dependents: %w", err)
	}
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out, nil
}
