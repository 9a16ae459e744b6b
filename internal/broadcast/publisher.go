// Package broadcast coalesces game mutations into periodic replaceable
// snapshots: one game state per dirty game and one profile per queued player.
package broadcast

import (
	"HalvingMassacre/internal/core"
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/observability"
	"HalvingMassacre/internal/store"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the drain period.
const DefaultInterval = 1200 * time.Millisecond

type profileEntry struct {
	walias   string
	modifier string
}

type pending struct {
	dirty        bool
	gen          uint64
	lastModifier string
	profiles     []profileEntry
}

// StatePublisher is safe for concurrent use. Queue calls are cheap; the
// snapshots are built and published by the drain loop.
type StatePublisher struct {
	store    store.Store
	fanout   *core.Fanout
	interval time.Duration
	timeout  time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pending

	draining atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func NewStatePublisher(st store.Store, fanout *core.Fanout, interval, loadTimeout time.Duration, metrics *observability.Metrics) *StatePublisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if loadTimeout <= 0 {
		loadTimeout = 10 * time.Second
	}
	return &StatePublisher{
		store:    st,
		fanout:   fanout,
		interval: interval,
		timeout:  loadTimeout,
		metrics:  metrics,
		log:      observability.NewLogger("state-publisher"),
		pending:  make(map[string]*pending),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

var _ core.StateQueue = (*StatePublisher)(nil)

// Queue marks a game dirty. modifier is the id of the message that changed it.
func (p *StatePublisher) Queue(gameID, modifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markLocked(gameID, modifier)
}

// QueueProfile marks a game dirty and schedules a profile snapshot of walias.
func (p *StatePublisher) QueueProfile(gameID, walias, modifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.markLocked(gameID, modifier)
	e.profiles = append(e.profiles, profileEntry{walias: walias, modifier: modifier})
}

func (p *StatePublisher) markLocked(gameID, modifier string) *pending {
	e, ok := p.pending[gameID]
	if !ok {
		e = &pending{}
		p.pending[gameID] = e
	}
	e.dirty = true
	e.gen++
	e.lastModifier = modifier
	return e
}

// Dirty returns the number of games waiting for a snapshot.
func (p *StatePublisher) Dirty() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Start runs the drain loop until Stop is called or ctx ends.
func (p *StatePublisher) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				fctx, cancel := context.WithTimeout(context.Background(), p.timeout)
				p.Drain(fctx)
				cancel()
				return
			case <-ticker.C:
				p.Drain(ctx)
			}
		}
	}()
	p.log.Info().Dur("interval", p.interval).Msg("state publisher started")
}

// Stop waits for the running drain, then ends the loop after one last drain.
func (p *StatePublisher) Stop() {
	if !p.started.Load() {
		return
	}
	p.once.Do(func() { close(p.stop) })
	<-p.done
	p.log.Info().Int("dirty", p.Dirty()).Msg("state publisher stopped")
}

type drainItem struct {
	gen      uint64
	modifier string
	profiles []profileEntry
}

// Drain publishes a snapshot of every dirty game. It returns false without
// doing anything when another drain is still running.
func (p *StatePublisher) Drain(ctx context.Context) bool {
	if !p.draining.CompareAndSwap(false, true) {
		if p.metrics != nil {
			p.metrics.DrainSkipped.Inc()
		}
		return false
	}
	defer p.draining.Store(false)

	start := time.Now()
	items := p.take()
	if len(items) == 0 {
		return true
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	lctx, cancel := context.WithTimeout(ctx, p.timeout)
	states, err := p.store.GameStates(lctx, ids)
	cancel()
	if err != nil {
		p.log.Error().Err(err).Int("games", len(ids)).Msg("load dirty games")
		p.restore(items)
		return true
	}

	found := make(map[string]bool, len(states))
	var wg sync.WaitGroup
	for _, st := range states {
		found[st.Game.ID] = true
		wg.Add(1)
		go func(st *game.State) {
			defer wg.Done()
			p.publishGame(ctx, st, items[st.Game.ID])
		}(st)
	}
	wg.Wait()

	for id, it := range items {
		if !found[id] {
			p.log.Warn().Str("game_id", id).Msg("dirty game not found, dropping")
			p.clear(id, it.gen)
		}
	}

	if p.metrics != nil {
		p.metrics.DrainDuration.Observe(time.Since(start).Seconds())
		p.metrics.DirtyGames.Set(float64(p.Dirty()))
	}
	return true
}

// take snapshots the dirty games and pops their profile queues.
func (p *StatePublisher) take() map[string]drainItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := make(map[string]drainItem, len(p.pending))
	for id, e := range p.pending {
		if !e.dirty {
			continue
		}
		items[id] = drainItem{gen: e.gen, modifier: e.lastModifier, profiles: e.profiles}
		e.profiles = nil
	}
	return items
}

// restore puts popped profile entries back in front of newer ones.
func (p *StatePublisher) restore(items map[string]drainItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, it := range items {
		if e, ok := p.pending[id]; ok {
			e.profiles = append(it.profiles, e.profiles...)
		}
	}
}

// clear forgets a game unless it was queued again after gen.
func (p *StatePublisher) clear(gameID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.pending[gameID]; ok && e.gen == gen {
		delete(p.pending, gameID)
	}
}

// publishGame publishes the game state and the queued profiles. Only a fully
// successful publish clears the game; drained profile entries are not queued
// again on failure, the next drain only retries the game state.
func (p *StatePublisher) publishGame(ctx context.Context, st *game.State, it drainItem) {
	gameID := st.Game.ID
	var msgs []*event.Message

	m, err := event.State(st, it.modifier)
	if err != nil {
		p.log.Error().Err(err).Str("game_id", gameID).Msg("build state")
		return
	}
	msgs = append(msgs, m)

	latest := make(map[string]string, len(it.profiles))
	order := make([]string, 0, len(it.profiles))
	for _, pe := range it.profiles {
		if _, seen := latest[pe.walias]; !seen {
			order = append(order, pe.walias)
		}
		latest[pe.walias] = pe.modifier
	}
	for _, walias := range order {
		pl := st.Player(walias)
		if pl == nil {
			continue
		}
		pm, err := event.Profile(gameID, st.Game.CurrentBlock, *pl, latest[walias])
		if err != nil {
			p.log.Error().Err(err).Str("game_id", gameID).Str("walias", walias).Msg("build profile")
			continue
		}
		msgs = append(msgs, pm)
	}

	report := p.fanout.Publish(ctx, gameID, "state", msgs...)
	if !report.OK() {
		p.log.Warn().
			Str("game_id", gameID).
			Int("failed", report.Failed()).
			Int("messages", len(msgs)).
			Msg("snapshot publish failed, game stays dirty")
		return
	}
	p.clear(gameID, it.gen)
}
