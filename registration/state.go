package registration

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run modes recorded in RunRecord.Mode.
const (
	ModeEvaluate   = "evaluate"
	ModeICP        = "icp"
	ModeMultiScale = "multiscale"
)

// RunRecord is one finished registration run together with the clouds it
// was computed on, kept for rendering.
type RunRecord struct {
	ID        string
	Mode      string
	Method    string
	CreatedAt time.Time
	Duration  time.Duration
	Result    RegistrationResult
	Source    *PointCloud
	Target    *PointCloud
}

// RunSummary is the compact JSON view of a run. Correspondences are reduced
// to a count.
type RunSummary struct {
	ID              string         `json:"id"`
	Mode            string         `json:"mode"`
	Method          string         `json:"method,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	DurationMillis  int64          `json:"durationMs"`
	Fitness         float64        `json:"fitness"`
	InlierRMSE      float64        `json:"inlierRmse"`
	Correspondences int            `json:"correspondences"`
	Iterations      int            `json:"iterations"`
	Converged       bool           `json:"converged"`
	Transformation  Transformation `json:"transformation"`
	SourcePoints    int            `json:"sourcePoints"`
	TargetPoints    int            `json:"targetPoints"`
}

// NewRunRecord stamps a fresh run ID and creation time.
func NewRunRecord(mode, method string, source, target *PointCloud, result RegistrationResult, elapsed time.Duration) *RunRecord {
	return &RunRecord{
		ID:        uuid.NewString(),
		Mode:      mode,
		Method:    method,
		CreatedAt: time.Now(),
		Duration:  elapsed,
		Result:    result,
		Source:    source,
		Target:    target,
	}
}

// Summary returns the compact view of r.
func (r *RunRecord) Summary() RunSummary {
	s := RunSummary{
		ID:              r.ID,
		Mode:            r.Mode,
		Method:          r.Method,
		Timestamp:       r.CreatedAt.Unix(),
		DurationMillis:  r.Duration.Milliseconds(),
		Fitness:         r.Result.Fitness,
		InlierRMSE:      r.Result.InlierRMSE,
		Correspondences: r.Result.CorrespondenceSet.Len(),
		Iterations:      r.Result.Iterations,
		Converged:       r.Result.Converged,
		Transformation:  r.Result.Transformation,
	}
	if r.Source != nil {
		s.SourcePoints = r.Source.Len()
	}
	if r.Target != nil {
		s.TargetPoints = r.Target.Len()
	}
	return s
}

// ResultStore keeps the most recent runs for the HTTP endpoints. When full,
// the oldest run is evicted.
type ResultStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	runs     map[string]*RunRecord
}

// NewResultStore creates a store holding at most capacity runs. Capacity
// below 1 means unbounded.
func NewResultStore(capacity int) *ResultStore {
	return &ResultStore{
		capacity: capacity,
		runs:     make(map[string]*RunRecord),
	}
}

// Add stores a run, replacing any run with the same ID.
func (s *ResultStore) Add(r *RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.runs[r.ID] = r

	for s.capacity > 0 && len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
	}
}

// Get returns the run with the given ID.
func (s *ResultStore) Get(id string) (*RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// Latest returns the most recently added run.
func (s *ResultStore) Latest() (*RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return nil, false
	}
	return s.runs[s.order[len(s.order)-1]], true
}

// Summaries lists all stored runs, newest first.
func (s *ResultStore) Summaries() []RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]RunSummary, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		result = append(result, s.runs[s.order[i]].Summary())
	}
	return result
}

// Len returns the number of stored runs.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
