package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
)

// Config contains network monitor configuration
type Config struct {
	// ProbeURL is requested to decide whether the link is up
	ProbeURL string

	// ProbeInterval is how often connectivity is re-checked
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration

	// ConnectionType is the configured link type (wifi|cellular|ethernet)
	ConnectionType domain.ConnectionType

	// Metered marks the link as metered
	Metered bool
}

// DefaultConfig returns default network monitor configuration
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		ConnectionType: domain.ConnectionWifi,
	}
}

// Monitor derives connectivity from periodic HTTP probes. Strength is
// graded from probe latency.
type Monitor struct {
	config *Config
	client *http.Client
	logger *zap.Logger

	stateMu     sync.RWMutex
	condition   domain.NetworkCondition
	subscribers map[int]func(domain.NetworkCondition)
	nextSubID   int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Ensure Monitor implements port.NetworkStatus
var _ port.NetworkStatus = (*Monitor)(nil)

// New creates a new network Monitor. Without a probe URL the link is
// assumed to be permanently up.
func New(cfg *Config, logger *zap.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ConnectionType == "" {
		cfg.ConnectionType = domain.ConnectionWifi
	}

	m := &Monitor{
		config:      cfg,
		client:      &http.Client{Timeout: cfg.ProbeTimeout},
		logger:      logger,
		subscribers: make(map[int]func(domain.NetworkCondition)),
	}
	if cfg.ProbeURL == "" {
		m.condition = domain.NetworkCondition{
			Connected: true,
			Type:      cfg.ConnectionType,
			Strength:  domain.StrengthExcellent,
			Metered:   cfg.Metered,
		}
	} else {
		m.condition = domain.NetworkCondition{Type: domain.ConnectionUnknown, Strength: domain.StrengthPoor}
	}
	return m
}

// IsConnected reports the last observed connectivity
func (m *Monitor) IsConnected() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.condition.Connected
}

// ConnectionType reports the last observed link type
func (m *Monitor) ConnectionType() domain.ConnectionType {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.condition.Type
}

// Condition returns the last observed condition
func (m *Monitor) Condition(ctx context.Context) (domain.NetworkCondition, error) {
	if err := ctx.Err(); err != nil {
		return domain.NetworkCondition{}, err
	}
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.condition, nil
}

// Subscribe registers fn for condition changes
func (m *Monitor) Subscribe(fn func(domain.NetworkCondition)) func() {
	m.stateMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.stateMu.Unlock()

	return func() {
		m.stateMu.Lock()
		delete(m.subscribers, id)
		m.stateMu.Unlock()
	}
}

// Start runs the probe loop until ctx is cancelled or Stop is called
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("network monitor already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if m.config.ProbeURL == "" {
		m.logger.Info("network monitor started without probe, link assumed up",
			zap.String("type", string(m.config.ConnectionType)))
		<-ctx.Done()
		return nil
	}

	m.logger.Info("network monitor started",
		zap.String("probe_url", m.config.ProbeURL),
		zap.Duration("interval", m.config.ProbeInterval))

	m.wg.Add(1)
	go m.probeLoop(ctx)

	<-ctx.Done()
	m.wg.Wait()
	m.logger.Info("network monitor stopped")
	return nil
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.Check(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once, updates the condition and notifies subscribers when it changed
func (m *Monitor) Check(ctx context.Context) domain.NetworkCondition {
	cond := m.probe(ctx)

	m.stateMu.Lock()
	changed := cond != m.condition
	m.condition = cond
	subs := make([]func(domain.NetworkCondition), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.stateMu.Unlock()

	if changed {
		m.logger.Info("network condition changed",
			zap.Bool("connected", cond.Connected),
			zap.String("type", string(cond.Type)),
			zap.String("strength", string(cond.Strength)))
		for _, fn := range subs {
			fn(cond)
		}
	}
	return cond
}

func (m *Monitor) probe(ctx context.Context) domain.NetworkCondition {
	offline := domain.NetworkCondition{Type: domain.ConnectionUnknown, Strength: domain.StrengthPoor}
	if m.config.ProbeURL == "" {
		m.stateMu.RLock()
		defer m.stateMu.RUnlock()
		return m.condition
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return offline
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("network probe failed", zap.Error(err))
		return offline
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return offline
	}

	return domain.NetworkCondition{
		Connected: true,
		Type:      m.config.ConnectionType,
		Strength:  strengthFor(time.Since(start)),
		Metered:   m.config.Metered,
	}
}

func strengthFor(latency time.Duration) domain.SignalStrength {
	switch {
	case latency < 100*time.Millisecond:
		return domain.StrengthExcellent
	case latency < 300*time.Millisecond:
		return domain.StrengthGood
	case latency < time.Second:
		return domain.StrengthFair
	default:
		return domain.StrengthPoor
	}
}
