package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/service/quality"
	"github.com/vertextoedge/offline-sync/internal/telemetry"
	"github.com/vertextoedge/offline-sync/internal/util/clock"
)

// Downloads is the part of the download engine the manager drives. The
// engine stays the only writer of download records.
type Downloads interface {
	Enqueue(ctx context.Context, kind domain.ContentKind, title, url string, meta domain.Metadata) (string, error)
	Cancel(ctx context.Context, id string) error
	List() []domain.DownloadRecord
	ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord
	UpdateContentFields(ctx context.Context, contentID string, fields domain.ContentFields) (int, error)
}

// Selector picks the quality tier for a download
type Selector interface {
	Select(ctx context.Context, contentURL string, duration time.Duration) quality.Selection
}

// Config contains sync queue configuration
type Config struct {
	// Options are used until options are persisted
	Options domain.SyncOptions
}

// DefaultConfig returns default sync queue configuration
func DefaultConfig() *Config {
	return &Config{Options: domain.DefaultSyncOptions()}
}

// NewItem is the caller-supplied part of a sync item
type NewItem struct {
	Operation domain.SyncOperation `json:"operation"`
	Kind      domain.ContentKind   `json:"contentKind"`
	ContentID string               `json:"contentId"`
	LocalPath string               `json:"localPath,omitempty"`
	RemoteURL string               `json:"remoteUrl,omitempty"`
	Priority  domain.SyncPriority  `json:"priority,omitempty"`
	Metadata  domain.Metadata      `json:"metadata"`
}

// Progress summarizes the live queue
type Progress struct {
	Total              int               `json:"total"`
	Completed          int               `json:"completed"`
	Failed             int               `json:"failed"`
	InProgress         int               `json:"inProgress"`
	Pending            int               `json:"pending"`
	Conflicted         int               `json:"conflicted"`
	Active             []domain.SyncItem `json:"active"`
	EstimatedRemaining time.Duration     `json:"estimatedRemaining"`
	BytesTotal         int64             `json:"bytesTotal"`
	BytesDone          int64             `json:"bytesDone"`
}

// StatusSummary is the manager's externally visible state
type StatusSummary struct {
	Running       bool                    `json:"running"`
	Paused        bool                    `json:"paused"`
	LastSyncAt    *time.Time              `json:"lastSyncAt,omitempty"`
	LastCheckAt   *time.Time              `json:"lastCheckAt,omitempty"`
	LastError     string                  `json:"lastError,omitempty"`
	SuccessCount  int64                   `json:"successCount"`
	FailureCount  int64                   `json:"failureCount"`
	QueueLength   int                     `json:"queueLength"`
	OpenConflicts int                     `json:"openConflicts"`
	Network       domain.NetworkCondition `json:"network"`
}

// state is persisted under port.KeySyncState
type state struct {
	Paused       bool       `json:"paused"`
	LastSyncAt   *time.Time `json:"lastSyncAt,omitempty"`
	LastCheckAt  *time.Time `json:"lastCheckAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	SuccessCount int64      `json:"successCount"`
	FailureCount int64      `json:"failureCount"`
}

// Manager owns the durable sync queue and its conflicts
type Manager struct {
	config    *Config
	store     port.KeyValueStore
	content   port.ContentService
	uploader  port.Uploader
	downloads Downloads
	selector  Selector
	network   port.NetworkStatus
	clock     clock.Clock
	tel       *telemetry.Telemetry
	logger    *zap.Logger

	mu        sync.Mutex
	items     []*domain.SyncItem
	conflicts []*domain.SyncConflict
	options   domain.SyncOptions
	state     state
	running   bool

	persistMu sync.Mutex

	// Background passes and triggers
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	runMu       sync.Mutex
	runCtx      context.Context
	runCancel   context.CancelFunc
	stopTimer   func()
	unsubscribe func()
}

// New creates a new sync queue Manager. uploader and selector may be nil:
// upload items then fail and downloads use the content URL as is.
func New(
	cfg *Config,
	store port.KeyValueStore,
	content port.ContentService,
	uploader port.Uploader,
	downloads Downloads,
	selector Selector,
	network port.NetworkStatus,
	clk clock.Clock,
	tel *telemetry.Telemetry,
	logger *zap.Logger,
) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Options.MaxConcurrent == 0 {
		cfg.Options = domain.DefaultSyncOptions()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    cfg,
		store:     store,
		content:   content,
		uploader:  uploader,
		downloads: downloads,
		selector:  selector,
		network:   network,
		clock:     clk,
		tel:       tel,
		logger:    logger,
		options:   cfg.Options,
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
}

// Load restores queue, conflicts, options and counters. Each collection is
// read independently; a missing or corrupt one leaves the default.
// Items left in progress by a previous process go back to pending.
func (m *Manager) Load(ctx context.Context) error {
	var items []*domain.SyncItem
	if err := m.load(ctx, port.KeySyncQueue, &items); err != nil {
		return err
	}
	var conflicts []*domain.SyncConflict
	if err := m.load(ctx, port.KeySyncConflicts, &conflicts); err != nil {
		return err
	}
	opts := m.config.Options
	if err := m.load(ctx, port.KeySyncOptions, &opts); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		m.logger.Warn("persisted sync options invalid, using defaults", zap.Error(err))
		opts = m.config.Options
	}
	var st state
	if err := m.load(ctx, port.KeySyncState, &st); err != nil {
		return err
	}

	interrupted := 0
	for _, item := range items {
		if item.Status == domain.SyncInProgress {
			item.Status = domain.SyncPending
			interrupted++
		}
	}

	m.mu.Lock()
	m.items = items
	m.conflicts = conflicts
	m.options = opts
	m.state = st
	m.mu.Unlock()

	m.logger.Info("sync queue loaded",
		zap.Int("items", len(items)),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("interrupted", interrupted),
		zap.Bool("paused", st.Paused))

	if interrupted > 0 {
		m.persist(ctx)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, key string, v any) error {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		m.logger.Warn("persisted collection corrupt, starting empty",
			zap.String("key", key),
			zap.Error(err))
	}
	return nil
}

// AddItem validates and queues a new sync item
func (m *Manager) AddItem(ctx context.Context, in NewItem) (*domain.SyncItem, error) {
	if !in.Operation.Valid() {
		return nil, fmt.Errorf("unknown operation %q: %w", in.Operation, domain.ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("unknown content kind %q: %w", in.Kind, domain.ErrInvalidInput)
	}
	if in.ContentID == "" {
		return nil, fmt.Errorf("content id is required: %w", domain.ErrInvalidInput)
	}
	if in.Operation == domain.OpUpload && in.LocalPath == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrLocalPathRequired, domain.ErrInvalidInput)
	}
	priority, err := domain.ParsePriority(string(in.Priority))
	if err != nil {
		return nil, err
	}
	in.Priority = priority

	m.mu.Lock()
	item := m.addLocked(in)
	out := item.Clone()
	m.mu.Unlock()

	m.persist(ctx)

	m.logger.Info("sync item added",
		zap.String("id", out.ID),
		zap.String("operation", string(out.Operation)),
		zap.String("content_id", out.ContentID),
		zap.String("priority", string(out.Priority)))
	return &out, nil
}

func (m *Manager) addLocked(in NewItem) *domain.SyncItem {
	item := &domain.SyncItem{
		ID:         uuid.NewString(),
		Operation:  in.Operation,
		Kind:       in.Kind,
		ContentID:  in.ContentID,
		LocalPath:  in.LocalPath,
		RemoteURL:  in.RemoteURL,
		Metadata:   in.Metadata.Clone(),
		Priority:   in.Priority,
		MaxRetries: m.options.MaxRetryAttempts,
		Status:     domain.SyncPending,
		CreatedAt:  m.clock.Now(),
	}
	m.items = append(m.items, item)
	return item
}

func (m *Manager) findLocked(id string) *domain.SyncItem {
	for _, item := range m.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// Item returns a copy of one item
func (m *Manager) Item(id string) (domain.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.findLocked(id)
	if item == nil {
		return domain.SyncItem{}, domain.ErrItemNotFound
	}
	return item.Clone(), nil
}

// Queue returns a copy of every item in insertion order
func (m *Manager) Queue() []domain.SyncItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SyncItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item.Clone())
	}
	return out
}

// Conflicts returns the conflicts still awaiting resolution
func (m *Manager) Conflicts() []domain.SyncConflict {
	return m.listConflicts(true)
}

// AllConflicts returns every recorded conflict, resolved ones included
func (m *Manager) AllConflicts() []domain.SyncConflict {
	return m.listConflicts(false)
}

func (m *Manager) listConflicts(openOnly bool) []domain.SyncConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SyncConflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		if openOnly && !c.Open() {
			continue
		}
		out = append(out, c.Clone())
	}
	return out
}

// Options returns the current sync options
func (m *Manager) Options() domain.SyncOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// UpdateOptions validates and persists opts. A running periodic timer is
// rescheduled when the interval or the auto sync flag changed.
func (m *Manager) UpdateOptions(ctx context.Context, opts domain.SyncOptions) error {
	if opts.PerItemEstimate <= 0 {
		opts.PerItemEstimate = domain.DefaultSyncOptions().PerItemEstimate
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	m.persistMu.Lock()
	if err := m.write(ctx, port.KeySyncOptions, opts); err != nil {
		m.persistMu.Unlock()
		return fmt.Errorf("failed to persist sync options: %w", err)
	}
	m.mu.Lock()
	prev := m.options
	m.options = opts
	m.mu.Unlock()
	m.persistMu.Unlock()

	if prev.SyncInterval != opts.SyncInterval || prev.AutoSync != opts.AutoSync {
		m.reschedule()
	}

	m.logger.Info("sync options updated",
		zap.Bool("auto_sync", opts.AutoSync),
		zap.Duration("interval", opts.SyncInterval),
		zap.Int("max_concurrent", opts.MaxConcurrent),
		zap.String("conflict_resolution", string(opts.ConflictResolution)))
	return nil
}

// Pause stops scheduling further chunks. Work already in flight finishes.
func (m *Manager) Pause(ctx context.Context) {
	m.mu.Lock()
	m.state.Paused = true
	m.mu.Unlock()
	m.persist(ctx)
	m.logger.Info("sync paused")
}

// Resume clears the pause flag and starts a background pass when the
// manager is idle and work is waiting
func (m *Manager) Resume(ctx context.Context) {
	m.mu.Lock()
	m.state.Paused = false
	m.mu.Unlock()
	m.persist(ctx)
	m.logger.Info("sync resumed")
	m.Trigger()
}

// RetryFailed re-arms every failed item. Returns the number re-armed.
func (m *Manager) RetryFailed(ctx context.Context) int {
	m.mu.Lock()
	n := 0
	for _, item := range m.items {
		if item.Status == domain.SyncFailed {
			item.Rearm()
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.persist(ctx)
		m.logger.Info("failed sync items re-armed", zap.Int("count", n))
	}
	return n
}

// ClearCompleted drops completed items from the queue. Returns the number dropped.
func (m *Manager) ClearCompleted(ctx context.Context) int {
	m.mu.Lock()
	kept := m.items[:0]
	n := 0
	for _, item := range m.items {
		if item.Status == domain.SyncCompleted {
			n++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = nil
	}
	m.items = kept
	m.mu.Unlock()

	if n > 0 {
		m.persist(ctx)
		m.logger.Info("completed sync items cleared", zap.Int("count", n))
	}
	return n
}

// Progress summarizes the live queue
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := Progress{Total: len(m.items), Active: []domain.SyncItem{}}
	for _, item := range m.items {
		size := item.Metadata.FileSize()
		p.BytesTotal += size
		switch item.Status {
		case domain.SyncCompleted:
			p.Completed++
			p.BytesDone += size
		case domain.SyncFailed:
			p.Failed++
		case domain.SyncInProgress:
			p.InProgress++
			p.Active = append(p.Active, item.Clone())
		case domain.SyncPending:
			p.Pending++
		case domain.SyncConflicted:
			p.Conflicted++
		}
	}
	p.EstimatedRemaining = time.Duration(p.Pending+p.InProgress) * m.options.PerItemEstimate
	return p
}

// StatusSummary reports run state, counters and the network condition
func (m *Manager) StatusSummary(ctx context.Context) StatusSummary {
	var cond domain.NetworkCondition
	if m.network != nil {
		if c, err := m.network.Condition(ctx); err == nil {
			cond = c
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := StatusSummary{
		Running:      m.running,
		Paused:       m.state.Paused,
		LastSyncAt:   m.state.LastSyncAt,
		LastCheckAt:  m.state.LastCheckAt,
		LastError:    m.state.LastError,
		SuccessCount: m.state.SuccessCount,
		FailureCount: m.state.FailureCount,
		Network:      cond,
	}
	for _, item := range m.items {
		if item.Status != domain.SyncCompleted {
			s.QueueLength++
		}
	}
	for _, c := range m.conflicts {
		if c.Open() {
			s.OpenConflicts++
		}
	}
	return s
}

// eligibleLocked returns the ids StartSync would pick up, in scheduling order
func (m *Manager) eligibleLocked() []string {
	picked := make([]*domain.SyncItem, 0)
	for _, item := range m.items {
		if item.Eligible(m.options.RetryFailedItems, m.options.MaxRetryAttempts) {
			picked = append(picked, item)
		}
	}
	if m.options.PriorityOrdering {
		sort.SliceStable(picked, func(i, j int) bool {
			a, b := picked[i], picked[j]
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() < b.Priority.Rank()
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}
	ids := make([]string, len(picked))
	for i, item := range picked {
		ids[i] = item.ID
	}
	return ids
}

// persist writes queue, conflicts and counters. Failures are logged.
func (m *Manager) persist(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	items := make([]domain.SyncItem, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item.Clone())
	}
	conflicts := make([]domain.SyncConflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		conflicts = append(conflicts, c.Clone())
	}
	st := m.state
	m.mu.Unlock()

	if err := m.write(ctx, port.KeySyncQueue, items); err != nil {
		m.logger.Error("failed to persist sync queue", zap.Error(err))
	}
	if err := m.write(ctx, port.KeySyncConflicts, conflicts); err != nil {
		m.logger.Error("failed to persist sync conflicts", zap.Error(err))
	}
	if err := m.write(ctx, port.KeySyncState, st); err != nil {
		m.logger.Error("failed to persist sync state", zap.Error(err))
	}
}

// write requires persistMu
func (m *Manager) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, data)
}
