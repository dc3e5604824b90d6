package backtest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/signal"
)

// StrategyContext is everything a strategy sees at one analysis timestamp.
type StrategyContext struct {
	Symbol          string
	Time            time.Time
	RunID           uuid.UUID
	HTF             *bundle.Bundle
	TTF             *bundle.Bundle
	HasOpenPosition bool
}

// Strategy produces at most one candidate signal per context. Implementations
// compose kernel outputs; they hold no per-symbol state.
type Strategy interface {
	Name() string
	Analyze(sctx StrategyContext) (*signal.Signal, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Strategy)
)

// Register adds a strategy constructor under name. Later registrations
// overwrite earlier ones.
func Register(name string, constructor func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = constructor
}

// NewStrategy instantiates a registered strategy by name.
func NewStrategy(name string) (Strategy, error) {
	registryMu.RLock()
	constructor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backtest: unknown strategy %q (registered: %v)", name, StrategyNames())
	}
	return constructor(), nil
}

// StrategyNames lists the registered strategies, sorted.
func StrategyNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("drummond", func() Strategy {
		return NewDrummondStrategy(coordinator.DefaultConfig(), signal.DefaultConfig())
	})
}

// DrummondStrategy runs the multi-timeframe coordinator and the signal
// generator over the two bundles.
type DrummondStrategy struct {
	coord *coordinator.Coordinator
	gen   *signal.Generator
}

func NewDrummondStrategy(coordCfg coordinator.Config, sigCfg signal.Config) *DrummondStrategy {
	return &DrummondStrategy{
		coord: coordinator.New(coordCfg, nil),
		gen:   signal.NewGenerator(sigCfg),
	}
}

func (s *DrummondStrategy) Name() string { return "drummond" }

// Analyze returns (nil, nil) when there is not enough history for the
// coordinator; that symbol simply yields nothing this tick.
func (s *DrummondStrategy) Analyze(sctx StrategyContext) (*signal.Signal, error) {
	a, err := s.coord.Analyze(sctx.HTF, sctx.TTF, sctx.Time,
		coordinator.PositionContext{HasOpenPosition: sctx.HasOpenPosition})
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			return nil, nil
		}
		return nil, err
	}
	return s.gen.Generate(sctx.RunID, a, sctx.TTF)
}
