package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/journal"
	"harvest-exchange/internal/ledger"
	"harvest-exchange/internal/model"
	"harvest-exchange/internal/schema"
)

// Session is one player's authoritative game state. All reads and writes
// run on the session goroutine, one command at a time.
type Session struct {
	playerID    string
	displayName string
	ledger      *ledger.Ledger
	facilities  []model.ProductionFacility

	dirty       bool
	needsResync bool

	cmdCh   chan command
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	store   docstore.Store
	journal journal.Sink
	now     func() time.Time
}

func newSession(playerID string, store docstore.Store, sink journal.Sink, now func() time.Time) *Session {
	return &Session{
		playerID: playerID,
		ledger:   ledger.New(playerID),
		cmdCh:    make(chan command, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		store:    store,
		journal:  sink,
		now:      now,
	}
}

func (s *Session) PlayerID() string { return s.playerID }

func (s *Session) run(flushEvery time.Duration) {
	defer close(s.stopped)
	var tick <-chan time.Time
	if flushEvery > 0 {
		t := time.NewTicker(flushEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.quit:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.flush(ctx)
			cancel()
			return
		case cmd := <-s.cmdCh:
			cmd.exec(s)
		case <-tick:
			if s.dirty {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.flush(ctx)
				cancel()
			}
		}
	}
}

// Close stops the session after a final flush.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.stopped
	if s.dirty {
		return fmt.Errorf("player %s: unsaved changes on close", s.playerID)
	}
	return nil
}

func (s *Session) markDirty() { s.dirty = true }

func (s *Session) record(evType string, payload any) {
	ev := journal.Event{Type: evType, PlayerID: s.playerID, At: s.now(), Payload: payload}
	if err := s.journal.Append(ev); err != nil {
		log.Printf("[session] journal %s: %v", evType, err)
	}
}

// flush writes resources and facilities to the player document. A failure
// keeps the session dirty and flags it for resync; the next flush cycle
// writes the full state again.
func (s *Session) flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	state := struct {
		Resources  []model.Resource           `json:"resources"`
		Facilities []model.ProductionFacility `json:"facilities"`
	}{s.ledger.Snapshot(), s.facilities}
	if state.Facilities == nil {
		state.Facilities = []model.ProductionFacility{}
	}

	err := schema.ValidatePlayer(state)
	var fields docstore.Fields
	if err == nil {
		fields, err = docstore.Encode(state)
	}
	if err == nil {
		err = s.store.Set(ctx, model.CollectionPlayers, s.playerID, fields, true)
	}
	if err != nil {
		s.needsResync = true
		log.Printf("[session] flush %s failed: %v", s.playerID, err)
		s.record(journal.EventFlushFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("persist player %s: %w", s.playerID, err)
	}
	s.dirty = false
	s.needsResync = false
	return nil
}

func (s *Session) view() model.PlayerView {
	fs := make([]model.ProductionFacility, len(s.facilities))
	for i, f := range s.facilities {
		fs[i] = f
		fs[i].Recipes = make([]model.ProductionRecipe, len(f.Recipes))
		for j, r := range f.Recipes {
			fs[i].Recipes[j] = r.Clone()
		}
	}
	return model.PlayerView{
		ID:          s.playerID,
		DisplayName: s.displayName,
		Resources:   s.ledger.Snapshot(),
		Totals:      s.ledger.Totals(),
		Facilities:  fs,
		NeedsResync: s.needsResync,
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(s *Session) }

type produceCmd struct {
	facilityID string
	index      int
	ch         chan<- error
}

type canProduceCmd struct {
	facilityID string
	index      int
	ch         chan<- bool
}

type createListingCmd struct {
	ctx    context.Context
	typ    model.ResourceType
	amount int
	price  int
	ch     chan<- listingResult
}

type buyCmd struct {
	ctx     context.Context
	listing model.MarketListing
	ch      chan<- purchaseResult
}

type removeListingCmd struct {
	ctx     context.Context
	listing model.MarketListing
	ch      chan<- error
}

type flushCmd struct {
	ctx context.Context
	ch  chan<- error
}

type viewCmd struct {
	ch chan<- model.PlayerView
}

type renameCmd struct {
	name string
	ch   chan<- struct{}
}

type listingResult struct {
	listing model.MarketListing
	err     error
}

type purchaseResult struct {
	purchase Purchase
	err      error
}

func (c produceCmd) exec(s *Session)    { c.ch <- s.produce(c.facilityID, c.index) }
func (c canProduceCmd) exec(s *Session) { c.ch <- s.canProduce(c.facilityID, c.index) }
func (c flushCmd) exec(s *Session)      { c.ch <- s.flush(c.ctx) }
func (c viewCmd) exec(s *Session)       { c.ch <- s.view() }

func (c renameCmd) exec(s *Session) {
	s.displayName = c.name
	c.ch <- struct{}{}
}

func (c createListingCmd) exec(s *Session) {
	l, err := s.createListing(c.ctx, c.typ, c.amount, c.price)
	c.ch <- listingResult{l, err}
}

func (c buyCmd) exec(s *Session) {
	p, err := s.buyListing(c.ctx, c.listing)
	c.ch <- purchaseResult{p, err}
}

func (c removeListingCmd) exec(s *Session) { c.ch <- s.removeListing(c.ctx, c.listing) }

func (s *Session) send(ctx context.Context, cmd command) error {
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}
	select {
	case s.cmdCh <- cmd:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for a command reply. Commands still queued when the loop
// stops are never executed.
func await[T any](ctx context.Context, stopped <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-stopped:
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrSessionClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Produce runs recipe recipeIndex of the facility.
func (s *Session) Produce(ctx context.Context, facilityID string, recipeIndex int) error {
	ch := make(chan error, 1)
	if err := s.send(ctx, produceCmd{facilityID: facilityID, index: recipeIndex, ch: ch}); err != nil {
		return err
	}
	res, err := await(ctx, s.stopped, ch)
	if err != nil {
		return err
	}
	return res
}

func (s *Session) CanProduce(ctx context.Context, facilityID string, recipeIndex int) (bool, error) {
	ch := make(chan bool, 1)
	if err := s.send(ctx, canProduceCmd{facilityID: facilityID, index: recipeIndex, ch: ch}); err != nil {
		return false, err
	}
	return await(ctx, s.stopped, ch)
}

func (s *Session) CreateListing(ctx context.Context, typ model.ResourceType, amount, pricePerUnit int) (model.MarketListing, error) {
	ch := make(chan listingResult, 1)
	if err := s.send(ctx, createListingCmd{ctx: ctx, typ: typ, amount: amount, price: pricePerUnit, ch: ch}); err != nil {
		return model.MarketListing{}, err
	}
	res, err := await(ctx, s.stopped, ch)
	if err != nil {
		return model.MarketListing{}, err
	}
	return res.listing, res.err
}

func (s *Session) BuyListing(ctx context.Context, listing model.MarketListing) (Purchase, error) {
	ch := make(chan purchaseResult, 1)
	if err := s.send(ctx, buyCmd{ctx: ctx, listing: listing, ch: ch}); err != nil {
		return Purchase{}, err
	}
	res, err := await(ctx, s.stopped, ch)
	if err != nil {
		return Purchase{}, err
	}
	return res.purchase, res.err
}

func (s *Session) RemoveListing(ctx context.Context, listing model.MarketListing) error {
	ch := make(chan error, 1)
	if err := s.send(ctx, removeListingCmd{ctx: ctx, listing: listing, ch: ch}); err != nil {
		return err
	}
	res, err := await(ctx, s.stopped, ch)
	if err != nil {
		return err
	}
	return res
}

// Flush persists pending changes now.
func (s *Session) Flush(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := s.send(ctx, flushCmd{ctx: ctx, ch: ch}); err != nil {
		return err
	}
	res, err := await(ctx, s.stopped, ch)
	if err != nil {
		return err
	}
	return res
}

// View returns a copy of the player's current state.
func (s *Session) View(ctx context.Context) (model.PlayerView, error) {
	ch := make(chan model.PlayerView, 1)
	if err := s.send(ctx, viewCmd{ch: ch}); err != nil {
		return model.PlayerView{}, err
	}
	return await(ctx, s.stopped, ch)
}

// SetDisplayName updates the cached display name. The player document is
// written by the identity provider.
func (s *Session) SetDisplayName(ctx context.Context, name string) error {
	ch := make(chan struct{}, 1)
	if err := s.send(ctx, renameCmd{name: name, ch: ch}); err != nil {
		return err
	}
	_, err := await(ctx, s.stopped, ch)
	return err
}
