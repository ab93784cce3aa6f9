package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"harvest-exchange/internal/catalog"
	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/journal"
	"harvest-exchange/internal/ledger"
	"harvest-exchange/internal/model"
)

var errInjected = errors.New("injected store failure")

// faultyStore fails selected writes on demand.
type faultyStore struct {
	docstore.Store
	mu         sync.Mutex
	failSet    bool
	failAdd    bool
	failDelete bool
}

func (f *faultyStore) fail(set, add, del bool) {
	f.mu.Lock()
	f.failSet, f.failAdd, f.failDelete = set, add, del
	f.mu.Unlock()
}

func (f *faultyStore) Set(ctx context.Context, col, id string, fields docstore.Fields, merge bool) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Store.Set(ctx, col, id, fields, merge)
}

func (f *faultyStore) Add(ctx context.Context, col string, fields docstore.Fields) (string, error) {
	f.mu.Lock()
	fail := f.failAdd
	f.mu.Unlock()
	if fail {
		return "", errInjected
	}
	return f.Store.Add(ctx, col, fields)
}

func (f *faultyStore) Delete(ctx context.Context, col, id string, ifVersion int64) error {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Store.Delete(ctx, col, id, ifVersion)
}

// gatedStore parks player reads or writes for one player until release.
type gatedStore struct {
	docstore.Store
	playerID string
	gateGet  bool
	gateSet  bool
	entered  chan string
	mu       sync.Mutex
	gate     chan struct{}
}

func newGatedStore(playerID string, get, set bool) *gatedStore {
	return &gatedStore{
		Store:    docstore.NewMemory(),
		playerID: playerID,
		gateGet:  get,
		gateSet:  set,
		entered:  make(chan string, 8),
		gate:     make(chan struct{}),
	}
}

func (g *gatedStore) wait(op, col, id string) {
	if col != model.CollectionPlayers || id != g.playerID {
		return
	}
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case g.entered <- op:
	default:
	}
	<-gate
}

func (g *gatedStore) release() {
	g.mu.Lock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
	g.mu.Unlock()
}

func (g *gatedStore) Get(ctx context.Context, col, id string) (*docstore.Document, error) {
	if g.gateGet {
		g.wait("get", col, id)
	}
	return g.Store.Get(ctx, col, id)
}

func (g *gatedStore) Set(ctx context.Context, col, id string, fields docstore.Fields, merge bool) error {
	if g.gateSet {
		g.wait("set", col, id)
	}
	return g.Store.Set(ctx, col, id, fields, merge)
}

type recordingSink struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *recordingSink) Append(ev journal.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *faultyStore, *recordingSink) {
	t.Helper()
	store := &faultyStore{Store: docstore.NewMemory()}
	sink := &recordingSink{}
	m := NewManager(store, catalog.Default(), sink, 0)
	m.SetClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) })
	t.Cleanup(m.CloseAll)
	return m, store, sink
}

func open(t *testing.T, m *Manager, id string) *Session {
	t.Helper()
	s, err := m.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	return s
}

func produceN(t *testing.T, s *Session, facility string, idx, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.Produce(context.Background(), facility, idx); err != nil {
			t.Fatalf("produce %s/%d: %v", facility, idx, err)
		}
	}
}

func totals(t *testing.T, s *Session) map[model.ResourceType]int {
	t.Helper()
	v, err := s.View(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return v.Totals
}

func loadPlayer(t *testing.T, store docstore.Store, id string) model.PlayerDoc {
	t.Helper()
	doc, err := store.Get(context.Background(), model.CollectionPlayers, id)
	if err != nil || doc == nil {
		t.Fatalf("player %s: doc=%v err=%v", id, doc, err)
	}
	var pd model.PlayerDoc
	if err := doc.Decode(&pd); err != nil {
		t.Fatal(err)
	}
	return pd
}

// ── Production ───────────────────────────────────────

func TestProduceErrors(t *testing.T) {
	l := ledger.New("p1")
	fs := catalog.Default().InitialFacilities("p1")
	tests := []struct {
		name     string
		facility string
		index    int
		want     error
	}{
		{"unknown facility", "barn-1", 0, ErrFacilityNotFound},
		{"negative index", "farmland-1", -1, ErrInvalidRecipe},
		{"index out of range", "farmland-1", 2, ErrInvalidRecipe},
		{"missing inputs", "mill-1", 0, ErrInsufficientResources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Produce(l, fs, tt.facility, tt.index); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(l.Snapshot()) != 0 {
				t.Fatalf("ledger mutated: %+v", l.Snapshot())
			}
			if CanProduce(l, fs, tt.facility, tt.index) {
				t.Fatal("CanProduce reported true")
			}
		})
	}
}

func TestProduceRepeatedInputsSummed(t *testing.T) {
	l := ledger.New("p1")
	l.AddResource(model.Grain, 3)
	fs := []model.ProductionFacility{{ID: "mill-9", Type: model.Mill, OwnerID: "p1", Level: 1, Recipes: []model.ProductionRecipe{{
		Inputs: []model.RecipeAmount{{Type: model.Grain, Amount: 2}, {Type: model.Grain, Amount: 2}},
		Output: model.RecipeAmount{Type: model.Flour, Amount: 1},
	}}}}
	if _, err := Produce(l, fs, "mill-9", 0); !errors.Is(err, ErrInsufficientResources) {
		t.Fatalf("expected insufficient resources, got %v", err)
	}
	if l.Balance(model.Grain) != 3 {
		t.Fatalf("grain changed to %d", l.Balance(model.Grain))
	}
}

func TestGrainToFlour(t *testing.T) {
	m, _, sink := newTestManager(t)
	s := open(t, m, "p1")
	ctx := context.Background()

	produceN(t, s, "farmland-1", 0, 2)
	if ok, _ := s.CanProduce(ctx, "mill-1", 0); !ok {
		t.Fatal("mill should be able to produce with 2 grain")
	}
	produceN(t, s, "mill-1", 0, 1)

	v, err := s.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Totals[model.Grain] != 0 || v.Totals[model.Flour] != 1 {
		t.Fatalf("unexpected totals %v", v.Totals)
	}
	// Exactly-sufficient inputs leave a zero entry.
	var sawGrain bool
	for _, r := range v.Resources {
		if r.Type == model.Grain {
			sawGrain = true
		}
	}
	if !sawGrain {
		t.Fatal("zero grain entry disappeared")
	}

	if err := s.Produce(ctx, "mill-1", 0); !errors.Is(err, ErrInsufficientResources) {
		t.Fatalf("expected insufficient resources, got %v", err)
	}
	if n := len(sink.types()); n != 3 {
		t.Fatalf("expected 3 journal events, got %v", sink.types())
	}
}

// ── Sessions ─────────────────────────────────────────

func TestOpenInitializesNewPlayer(t *testing.T) {
	m, store, _ := newTestManager(t)
	open(t, m, "p1")

	pd := loadPlayer(t, store, "p1")
	if len(pd.Facilities) != 2 || pd.Facilities[0].ID != "farmland-1" || pd.Facilities[1].ID != "mill-1" {
		t.Fatalf("unexpected facilities %+v", pd.Facilities)
	}
	if pd.Resources == nil || len(pd.Resources) != 0 {
		t.Fatalf("expected empty resources, got %+v", pd.Resources)
	}
}

func TestOpenLoadsExistingPlayer(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	fields, _ := docstore.Encode(model.PlayerDoc{
		Resources: []model.Resource{
			{ID: "g1", Type: model.Grain, Amount: 4, OwnerID: "p1"},
			{ID: "g2", Type: model.Grain, Amount: 1, OwnerID: "p1"},
		},
		Facilities:  catalog.Default().InitialFacilities("p1")[:1],
		DisplayName: "miller",
	})
	store.Set(ctx, model.CollectionPlayers, "p1", fields, false)

	s := open(t, m, "p1")
	v, _ := s.View(ctx)
	if v.Totals[model.Grain] != 5 {
		t.Fatalf("expected 5 grain, got %d", v.Totals[model.Grain])
	}
	if len(v.Facilities) != 1 || v.DisplayName != "miller" {
		t.Fatalf("unexpected view %+v", v)
	}
	if again := open(t, m, "p1"); again != s {
		t.Fatal("second open created a new session")
	}
}

func TestCloseFlushes(t *testing.T) {
	m, store, _ := newTestManager(t)
	s := open(t, m, "p1")
	produceN(t, s, "farmland-1", 1, 3)
	if err := m.Close("p1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	pd := loadPlayer(t, store, "p1")
	l := ledger.Load("p1", pd.Resources)
	if l.Balance(model.Corn) != 3 {
		t.Fatalf("expected 3 corn persisted, got %d", l.Balance(model.Corn))
	}
	if err := s.Produce(context.Background(), "farmland-1", 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

func TestFlushFailureFlagsResync(t *testing.T) {
	m, store, sink := newTestManager(t)
	ctx := context.Background()
	s := open(t, m, "p1")

	store.fail(true, false, false)
	produceN(t, s, "farmland-1", 0, 1)
	if err := s.Flush(ctx); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	v, _ := s.View(ctx)
	if !v.NeedsResync || v.Totals[model.Grain] != 1 {
		t.Fatalf("expected resync flag with grain kept, got %+v", v)
	}

	store.fail(false, false, false)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	v, _ = s.View(ctx)
	if v.NeedsResync {
		t.Fatal("resync flag not cleared")
	}
	pd := loadPlayer(t, store, "p1")
	if ledger.Load("p1", pd.Resources).Balance(model.Grain) != 1 {
		t.Fatalf("grain not persisted: %+v", pd.Resources)
	}

	var failed int
	for _, typ := range sink.types() {
		if typ == journal.EventFlushFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected 1 flush_failed event, got %v", sink.types())
	}
}

func TestPeriodicFlush(t *testing.T) {
	store := docstore.NewMemory()
	m := NewManager(store, catalog.Default(), nil, 10*time.Millisecond)
	defer m.CloseAll()
	s := open(t, m, "p1")
	produceN(t, s, "farmland-1", 0, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pd := loadPlayer(t, store, "p1")
		if ledger.Load("p1", pd.Resources).Balance(model.Grain) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ticker never flushed the session")
}

func TestOpenRequiresIdentity(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Open(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestIdentityChanged(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.IdentityChanged("p1", true)
	m.mu.Lock()
	_, ok := m.sessions["p1"]
	m.mu.Unlock()
	if !ok {
		t.Fatal("sign-in did not open a session")
	}
	m.IdentityChanged("p1", false)
	m.mu.Lock()
	_, ok = m.sessions["p1"]
	m.mu.Unlock()
	if ok {
		t.Fatal("sign-out did not close the session")
	}
}

// ── Market ───────────────────────────────────────────

func TestMarketRoundTrip(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	seller := open(t, m, "seller")
	buyer := open(t, m, "buyer")
	produceN(t, seller, "farmland-1", 0, 5)

	l, err := seller.CreateListing(ctx, model.Grain, 3, 10)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if l.ID == "" || l.SellerID != "seller" || l.Timestamp != 1_700_000_000_000 {
		t.Fatalf("unexpected listing %+v", l)
	}
	if got := totals(t, seller)[model.Grain]; got != 2 {
		t.Fatalf("seller should keep 2 grain, has %d", got)
	}

	doc, err := store.Get(ctx, model.CollectionListings, l.ID)
	if err != nil || doc == nil {
		t.Fatalf("listing not published: %v", err)
	}
	stored, err := DecodeListing(doc)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != l.Version || stored.TotalAmount != 3 {
		t.Fatalf("stored listing %+v differs from %+v", stored, l)
	}

	p, err := buyer.BuyListing(ctx, stored)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if p.TotalCost != 30 {
		t.Fatalf("expected total cost 30, got %d", p.TotalCost)
	}
	if p.Message() != "Successfully purchased 3 grain for 30 coins" {
		t.Fatalf("unexpected message %q", p.Message())
	}
	if got := totals(t, buyer)[model.Grain]; got != 3 {
		t.Fatalf("buyer should have 3 grain, has %d", got)
	}
	if doc, _ := store.Get(ctx, model.CollectionListings, l.ID); doc != nil {
		t.Fatal("listing still present after purchase")
	}
}

func TestCreateListingValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	s := open(t, m, "p1")
	produceN(t, s, "farmland-1", 0, 2)

	tests := []struct {
		name   string
		typ    model.ResourceType
		amount int
		price  int
		want   error
	}{
		{"zero amount", model.Grain, 0, 10, ErrInvalidAmount},
		{"negative price", model.Grain, 1, -1, ErrInvalidPrice},
		{"more than owned", model.Grain, 3, 10, ErrInsufficientResources},
		{"never owned", model.Flour, 1, 10, ErrInsufficientResources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateListing(ctx, tt.typ, tt.amount, tt.price); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	var unknown *model.UnknownResourceError
	if _, err := s.CreateListing(ctx, "gold", 1, 10); !errors.As(err, &unknown) {
		t.Fatalf("expected unknown resource error, got %v", err)
	}
	if got := totals(t, s)[model.Grain]; got != 2 {
		t.Fatalf("failed listings changed grain to %d", got)
	}
}

func TestCreateListingPublishFailureRestoresResources(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	s := open(t, m, "p1")
	produceN(t, s, "farmland-1", 0, 4)

	store.fail(false, true, false)
	if _, err := s.CreateListing(ctx, model.Grain, 4, 10); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if got := totals(t, s)[model.Grain]; got != 4 {
		t.Fatalf("expected grain restored to 4, got %d", got)
	}
}

func TestBuyDeleteFailureReversesCredit(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	seller := open(t, m, "seller")
	buyer := open(t, m, "buyer")
	produceN(t, seller, "farmland-1", 1, 2)
	l, err := seller.CreateListing(ctx, model.Corn, 2, 12)
	if err != nil {
		t.Fatal(err)
	}

	store.fail(false, false, true)
	if _, err := buyer.BuyListing(ctx, l); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if got := totals(t, buyer)[model.Corn]; got != 0 {
		t.Fatalf("buyer kept %d corn after failed buy", got)
	}
}

func TestBuyStaleListing(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	seller := open(t, m, "seller")
	buyer := open(t, m, "buyer")
	produceN(t, seller, "farmland-1", 0, 1)
	l, _ := seller.CreateListing(ctx, model.Grain, 1, 10)

	stale := l
	stale.Version = l.Version + 1
	if _, err := buyer.BuyListing(ctx, stale); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := buyer.BuyListing(ctx, model.MarketListing{}); !errors.Is(err, ErrInvalidListing) {
		t.Fatalf("expected invalid listing, got %v", err)
	}
}

func TestConcurrentBuyersOneWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	seller := open(t, m, "seller")
	produceN(t, seller, "farmland-1", 0, 6)
	l, err := seller.CreateListing(ctx, model.Grain, 6, 10)
	if err != nil {
		t.Fatal(err)
	}

	buyers := []*Session{open(t, m, "b1"), open(t, m, "b2"), open(t, m, "b3")}
	errs := make([]error, len(buyers))
	var wg sync.WaitGroup
	for i, b := range buyers {
		wg.Add(1)
		go func(i int, b *Session) {
			defer wg.Done()
			_, errs[i] = b.BuyListing(ctx, l)
		}(i, b)
	}
	wg.Wait()

	var winners, grain int
	for i, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("buyer %d: unexpected error %v", i, err)
		}
		grain += totals(t, buyers[i])[model.Grain]
	}
	if winners != 1 || grain != 6 {
		t.Fatalf("expected one winner holding 6 grain, got %d winners and %d grain", winners, grain)
	}
}

func TestRemoveListing(t *testing.T) {
	m, store, sink := newTestManager(t)
	ctx := context.Background()
	seller := open(t, m, "seller")
	other := open(t, m, "other")
	produceN(t, seller, "farmland-1", 0, 2)
	produceN(t, seller, "mill-1", 0, 1)
	l, err := seller.CreateListing(ctx, model.Flour, 1, 25)
	if err != nil {
		t.Fatal(err)
	}

	if err := other.RemoveListing(ctx, l); !errors.Is(err, ErrNotListingOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if doc, _ := store.Get(ctx, model.CollectionListings, l.ID); doc == nil {
		t.Fatal("listing removed by non-owner")
	}

	store.fail(false, false, true)
	if err := seller.RemoveListing(ctx, l); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if got := totals(t, seller)[model.Flour]; got != 0 {
		t.Fatalf("credit not reversed, flour=%d", got)
	}

	store.fail(false, false, false)
	if err := seller.RemoveListing(ctx, l); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := totals(t, seller)[model.Flour]; got != 1 {
		t.Fatalf("expected flour returned, got %d", got)
	}
	if err := seller.RemoveListing(ctx, l); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}

	types := sink.types()
	if types[len(types)-1] != journal.EventListingRemoved {
		t.Fatalf("expected listing_removed last, got %v", types)
	}
}

func TestMarketRequiresIdentity(t *testing.T) {
	s := newSession("", docstore.NewMemory(), journal.Discard, time.Now)
	ctx := context.Background()
	if _, err := s.createListing(ctx, model.Grain, 1, 1); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("create: expected unauthenticated, got %v", err)
	}
	if _, err := s.buyListing(ctx, model.MarketListing{ID: "x"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("buy: expected unauthenticated, got %v", err)
	}
	if err := s.removeListing(ctx, model.MarketListing{ID: "x"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("remove: expected unauthenticated, got %v", err)
	}
}

func TestReopenWaitsForFinalFlush(t *testing.T) {
	store := newGatedStore("p1", false, true)
	store.release()
	m := NewManager(store, catalog.Default(), nil, 0)
	defer m.CloseAll()
	ctx := context.Background()

	s := open(t, m, "p1")
	produceN(t, s, "farmland-1", 0, 3)
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	produceN(t, s, "farmland-1", 0, 4)

	store.mu.Lock()
	store.gate = make(chan struct{})
	store.mu.Unlock()

	closed := make(chan error, 1)
	go func() { closed <- m.Close("p1") }()
	<-store.entered

	reopened := make(chan *Session, 1)
	go func() {
		s, err := m.Open(ctx, "p1")
		if err != nil {
			t.Error(err)
		}
		reopened <- s
	}()
	select {
	case <-reopened:
		t.Fatal("reopen finished while the final flush was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	store.release()
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
	s2 := <-reopened
	if s2 == nil || s2 == s {
		t.Fatal("expected a fresh session")
	}
	produceN(t, s2, "farmland-1", 0, 1)
	if err := s2.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	pd := loadPlayer(t, store, "p1")
	if got := ledger.Load("p1", pd.Resources).Balance(model.Grain); got != 8 {
		t.Fatalf("persisted grain=%d, want 8", got)
	}
}

func TestSlowLoadDoesNotBlockOtherPlayers(t *testing.T) {
	store := newGatedStore("slow", true, false)
	m := NewManager(store, catalog.Default(), nil, 0)
	defer m.CloseAll()
	defer store.release()

	slowDone := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), "slow")
		slowDone <- err
	}()
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fast, err := m.Open(ctx, "fast")
	if err != nil {
		t.Fatalf("open fast while slow is loading: %v", err)
	}
	if err := fast.Produce(ctx, "farmland-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Close("fast"); err != nil {
		t.Fatal(err)
	}

	// A second open of the loading player joins the first load.
	joined := make(chan *Session, 1)
	go func() {
		s, _ := m.Open(context.Background(), "slow")
		joined <- s
	}()
	store.release()
	if err := <-slowDone; err != nil {
		t.Fatal(err)
	}
	s1, _ := m.Open(context.Background(), "slow")
	if s2 := <-joined; s2 != s1 {
		t.Fatal("concurrent opens created two sessions")
	}
}

func TestCreateListingOnSQLiteWithUnreadableListing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "game.db")
	store, err := docstore.OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	sub, err := store.Subscribe(ctx, model.CollectionListings)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	raw, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`INSERT INTO documents (collection, id, fields, version, updated_at) VALUES (?, 'bad', 'not json', 1, 0)`,
		model.CollectionListings); err != nil {
		t.Fatal(err)
	}

	m := NewManager(store, catalog.Default(), nil, 0)
	defer m.CloseAll()
	s := open(t, m, "seller")
	produceN(t, s, "farmland-1", 0, 5)

	l, err := s.CreateListing(ctx, model.Grain, 5, 10)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if got := totals(t, s)[model.Grain]; got != 0 {
		t.Fatalf("seller kept %d grain with a live listing", got)
	}
	if doc, err := store.Get(ctx, model.CollectionListings, l.ID); err != nil || doc == nil {
		t.Fatalf("listing not stored: %v", err)
	}

	if err := s.RemoveListing(ctx, l); err != nil {
		t.Fatalf("remove listing: %v", err)
	}
	if got := totals(t, s)[model.Grain]; got != 5 {
		t.Fatalf("seller has %d grain after removing the listing, want 5", got)
	}
}
