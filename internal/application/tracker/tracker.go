package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"go.uber.org/zap"
)

// Snapshot is the monitor view of one execution
type Snapshot struct {
	ExecutionID     string                       `json:"execution_id"`
	WorkflowID      string                       `json:"workflow_id"`
	Status          domain.ExecutionStatus       `json:"status"`
	CurrentSteps    []string                     `json:"current_steps"`
	PercentComplete float64                      `json:"percent_complete"`
	Steps           map[string]domain.StepStatus `json:"steps"`
	StepProgress    map[string]float64           `json:"step_progress,omitempty"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// Update is delivered to subscribers on every change
type Update struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id,omitempty"`
	StepStatus  domain.StepStatus `json:"step_status,omitempty"`
	Snapshot    Snapshot          `json:"snapshot"`
}

// Config holds tracker configuration
type Config struct {
	// Retention is how long finished executions stay queryable
	Retention time.Duration

	// SweepInterval is how often expired executions are pruned
	SweepInterval time.Duration

	// SubscriberBuffer is the default channel size of a subscription
	SubscriberBuffer int
}

type progress struct {
	workflowID string
	status     domain.ExecutionStatus
	order      []string
	steps      map[string]domain.StepStatus
	fraction   map[string]float64
	updatedAt  time.Time
	finishedAt time.Time
}

// Tracker is safe for concurrent use
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	executions map[string]*progress

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New creates a tracker
func New(cfg Config, logger *zap.Logger) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:        cfg,
		logger:     logger,
		executions: make(map[string]*progress),
		subs:       make(map[uint64]*Subscription),
	}
}

// Begin registers an execution and its steps, all pending
func (t *Tracker) Begin(executionID, workflowID string, stepIDs []string) {
	p := &progress{
		workflowID: workflowID,
		status:     domain.ExecutionStatusPending,
		order:      append([]string(nil), stepIDs...),
		steps:      make(map[string]domain.StepStatus, len(stepIDs)),
		fraction:   make(map[string]float64, len(stepIDs)),
		updatedAt:  time.Now(),
	}
	for _, id := range stepIDs {
		p.steps[id] = domain.StepStatusPending
	}

	t.mu.Lock()
	t.executions[executionID] = p
	snap := p.snapshot(executionID)
	t.mu.Unlock()

	t.publish(Update{ExecutionID: executionID, Snapshot: snap})
}

// Report implements ports.ProgressReporter. Reports for unknown executions
// or steps are ignored.
func (t *Tracker) Report(executionID, stepID string, status domain.StepStatus, progressDelta float64) {
	t.mu.Lock()
	p, ok := t.executions[executionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, known := p.steps[stepID]; !known {
		t.mu.Unlock()
		t.logger.Debug("ignoring progress for untracked step",
			zap.String("execution_id", executionID),
			zap.String("step_id", stepID))
		return
	}

	p.steps[stepID] = status
	f := p.fraction[stepID] + progressDelta
	if status.Terminal() || f > 1 {
		f = 1
	}
	if f < 0 {
		f = 0
	}
	p.fraction[stepID] = f
	p.updatedAt = time.Now()
	snap := p.snapshot(executionID)
	t.mu.Unlock()

	t.publish(Update{ExecutionID: executionID, StepID: stepID, StepStatus: status, Snapshot: snap})
}

// SetStatus records the execution-level status
func (t *Tracker) SetStatus(executionID string, status domain.ExecutionStatus) {
	t.mu.Lock()
	p, ok := t.executions[executionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.status = status
	p.updatedAt = time.Now()
	if status.Terminal() {
		p.finishedAt = p.updatedAt
	} else {
		p.finishedAt = time.Time{}
	}
	snap := p.snapshot(executionID)
	t.mu.Unlock()

	t.publish(Update{ExecutionID: executionID, Snapshot: snap})
}

// Query returns the current snapshot of an execution
func (t *Tracker) Query(executionID string) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.executions[executionID]
	if !ok {
		return Snapshot{}, domain.ErrExecutionNotFound
	}
	return p.snapshot(executionID), nil
}

// Active returns how many tracked executions are not terminal
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, p := range t.executions {
		if !p.status.Terminal() {
			n++
		}
	}
	return n
}

// Prune drops finished executions older than the retention period and
// returns how many were removed
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, p := range t.executions {
		if !p.finishedAt.IsZero() && now.Sub(p.finishedAt) >= t.cfg.Retention {
			delete(t.executions, id)
			removed++
		}
	}
	return removed
}

// Start starts the retention janitor
func (t *Tracker) Start() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	go t.run(t.stopCh)
}

// Stop stops the janitor and closes every subscription
func (t *Tracker) Stop() {
	t.runMu.Lock()
	if t.running {
		t.running = false
		close(t.stopCh)
	}
	t.runMu.Unlock()

	t.subMu.Lock()
	subs := t.subs
	t.subs = make(map[uint64]*Subscription)
	t.subMu.Unlock()

	for _, s := range subs {
		s.closeChannel()
	}
}

func (t *Tracker) run(stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if n := t.Prune(now); n > 0 {
				t.logger.Debug("pruned expired executions", zap.Int("count", n))
			}
		}
	}
}

func (p *progress) snapshot(executionID string) Snapshot {
	snap := Snapshot{
		ExecutionID:  executionID,
		WorkflowID:   p.workflowID,
		Status:       p.status,
		CurrentSteps: []string{},
		Steps:        make(map[string]domain.StepStatus, len(p.steps)),
		StepProgress: make(map[string]float64, len(p.fraction)),
		UpdatedAt:    p.updatedAt,
	}

	terminal := 0
	for _, id := range p.order {
		status := p.steps[id]
		snap.Steps[id] = status
		if status.Terminal() {
			terminal++
		}
		if status == domain.StepStatusRunning {
			snap.CurrentSteps = append(snap.CurrentSteps, id)
		}
	}
	for id, f := range p.fraction {
		snap.StepProgress[id] = f
	}
	if len(p.order) > 0 {
		snap.PercentComplete = float64(terminal) / float64(len(p.order)) * 100
	}
	sort.Strings(snap.CurrentSteps)
	return snap
}

// Subscription is a revocable handle on a bounded stream of updates
type Subscription struct {
	id          uint64
	executionID string
	ch          chan Update
	dropped     atomic.Int64
	tracker     *Tracker
	once        sync.Once
}

// C returns the update channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Update {
	return s.ch
}

// Dropped returns how many updates were discarded because the channel was full
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close revokes the subscription
func (s *Subscription) Close() {
	s.tracker.subMu.Lock()
	delete(s.tracker.subs, s.id)
	s.tracker.subMu.Unlock()
	s.closeChannel()
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe returns a subscription for one execution, or for every
// execution when executionID is empty. buffer <= 0 uses the default size.
func (t *Tracker) Subscribe(executionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = t.cfg.SubscriberBuffer
	}

	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.nextID++
	s := &Subscription{
		id:          t.nextID,
		executionID: executionID,
		ch:          make(chan Update, buffer),
		tracker:     t,
	}
	t.subs[s.id] = s
	return s
}

// publish never blocks; full subscriber channels drop the update
func (t *Tracker) publish(u Update) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()

	for _, s := range t.subs {
		if s.executionID != "" && s.executionID != u.ExecutionID {
			continue
		}
		select {
		case s.ch <- u:
		default:
			s.dropped.Add(1)
		}
	}
}
