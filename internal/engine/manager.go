package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"harvest-exchange/internal/catalog"
	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/journal"
	"harvest-exchange/internal/ledger"
	"harvest-exchange/internal/model"
)

var (
	ErrUnauthenticated       = errors.New("not signed in")
	ErrSessionClosed         = errors.New("session closed")
	ErrFacilityNotFound      = errors.New("facility not found")
	ErrInvalidRecipe         = errors.New("invalid recipe index")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrInvalidAmount         = errors.New("amount must be a positive integer")
	ErrInvalidPrice          = errors.New("price per unit must be a positive integer")
	ErrInvalidListing        = errors.New("invalid listing")
	ErrNotListingOwner       = errors.New("you can only remove your own listings")
)

// PublishFunc broadcasts a message to websocket subscribers of a topic.
type PublishFunc func(topic, msgType string, data any)

// ── Manager ──────────────────────────────────────────

// Manager owns one Session per signed-in player and keeps it in sync with
// the player document. A player has at most one session at a time: opens
// wait for a pending load or a final flush of the same player.
type Manager struct {
	sessions   map[string]*Session
	pending    map[string]*opening
	closing    map[string]chan struct{} // closed once the final flush is done
	mu         sync.Mutex
	store      docstore.Store
	catalog    *catalog.Catalog
	journal    journal.Sink
	flushEvery time.Duration
	now        func() time.Time
}

type opening struct {
	done chan struct{}
	s    *Session
	err  error
}

func NewManager(store docstore.Store, cat *catalog.Catalog, sink journal.Sink, flushEvery time.Duration) *Manager {
	if sink == nil {
		sink = journal.Discard
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		pending:    make(map[string]*opening),
		closing:    make(map[string]chan struct{}),
		store:      store,
		catalog:    cat,
		journal:    sink,
		flushEvery: flushEvery,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for new sessions.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Open returns the player's live session, loading or initializing the
// player document on first use. m.mu only guards the maps; store calls run
// outside it.
func (m *Manager) Open(ctx context.Context, playerID string) (*Session, error) {
	if playerID == "" {
		return nil, ErrUnauthenticated
	}
	for {
		m.mu.Lock()
		if s, ok := m.sessions[playerID]; ok {
			m.mu.Unlock()
			return s, nil
		}
		if op, ok := m.pending[playerID]; ok {
			m.mu.Unlock()
			if err := waitDone(ctx, op.done); err != nil {
				return nil, err
			}
			if op.err == nil {
				return op.s, nil
			}
			continue
		}
		if done, ok := m.closing[playerID]; ok {
			m.mu.Unlock()
			if err := waitDone(ctx, done); err != nil {
				return nil, err
			}
			continue
		}
		op := &opening{done: make(chan struct{})}
		m.pending[playerID] = op
		m.mu.Unlock()

		op.s, op.err = m.start(ctx, playerID)

		m.mu.Lock()
		delete(m.pending, playerID)
		if op.err == nil {
			m.sessions[playerID] = op.s
		}
		m.mu.Unlock()
		close(op.done)
		return op.s, op.err
	}
}

func (m *Manager) start(ctx context.Context, playerID string) (*Session, error) {
	s, err := m.loadSession(ctx, playerID)
	if err != nil {
		return nil, err
	}
	go s.run(m.flushEvery)

	if s.dirty {
		// First login, or a document without facilities.
		if err := s.Flush(ctx); err != nil {
			log.Printf("[engine] initial save for %s failed: %v", playerID, err)
		}
	}
	return s, nil
}

func waitDone(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loadSession(ctx context.Context, playerID string) (*Session, error) {
	doc, err := m.store.Get(ctx, model.CollectionPlayers, playerID)
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", playerID, err)
	}

	var pd model.PlayerDoc
	if doc != nil {
		if err := doc.Decode(&pd); err != nil {
			return nil, fmt.Errorf("decode player %s: %w", playerID, err)
		}
	}

	s := newSession(playerID, m.store, m.journal, m.now)
	s.displayName = pd.DisplayName
	s.ledger = ledger.Load(playerID, pd.Resources)
	s.facilities = pd.Facilities
	if len(s.facilities) == 0 {
		log.Printf("[engine] creating initial facilities for %s", playerID)
		s.facilities = m.catalog.InitialFacilities(playerID)
		s.dirty = true
	}
	if doc == nil {
		s.dirty = true
	}
	return s, nil
}

// Session returns the open session for playerID, opening it if needed.
func (m *Manager) Session(ctx context.Context, playerID string) (*Session, error) {
	return m.Open(ctx, playerID)
}

// Close flushes and stops the player's session. The player stays marked
// as closing until the final flush is done.
func (m *Manager) Close(playerID string) error {
	for {
		m.mu.Lock()
		if op, ok := m.pending[playerID]; ok {
			m.mu.Unlock()
			<-op.done
			continue
		}
		s, ok := m.sessions[playerID]
		if !ok {
			m.mu.Unlock()
			return nil
		}
		delete(m.sessions, playerID)
		done := make(chan struct{})
		m.closing[playerID] = done
		m.mu.Unlock()

		err := s.Close()

		m.mu.Lock()
		delete(m.closing, playerID)
		m.mu.Unlock()
		close(done)
		return err
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	dones := make(map[string]chan struct{}, len(sessions))
	for id := range sessions {
		dones[id] = make(chan struct{})
		m.closing[id] = dones[id]
	}
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			log.Printf("[engine] close %s: %v", id, err)
		}
		m.mu.Lock()
		delete(m.closing, id)
		m.mu.Unlock()
		close(dones[id])
	}
	log.Printf("[engine] closed %d sessions", len(sessions))
}

// IdentityChanged opens a session on sign-in and closes it on sign-out.
func (m *Manager) IdentityChanged(playerID string, signedIn bool) {
	if signedIn {
		if _, err := m.Open(context.Background(), playerID); err != nil {
			log.Printf("[engine] open %s: %v", playerID, err)
		}
		return
	}
	if err := m.Close(playerID); err != nil {
		log.Printf("[engine] close %s: %v", playerID, err)
	}
}
