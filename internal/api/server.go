package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/engine"
	"harvest-exchange/internal/identity"
	"harvest-exchange/internal/model"
	"harvest-exchange/internal/ws"
)

type Server struct {
	store   docstore.Store
	manager *engine.Manager
	book    *engine.ListingBook
	ids     *identity.Provider
	hub     *ws.Hub
	limits  *limiter
}

func NewServer(store docstore.Store, mgr *engine.Manager, book *engine.ListingBook, ids *identity.Provider, hub *ws.Hub, rps float64, burst int) *Server {
	s := &Server{
		store:   store,
		manager: mgr,
		book:    book,
		ids:     ids,
		hub:     hub,
		limits:  newLimiter(rps, burst),
	}
	ids.OnIdentityChange(func(c identity.Change) {
		mgr.IdentityChanged(c.Identity.ID, c.SignedIn)
	})
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/auth/anonymous", s.signInAnonymously)
	r.Post("/api/auth/login", s.login)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimit)

		r.Post("/api/auth/username", s.claimUsername)
		r.Post("/api/auth/signout", s.signOut)

		// Player
		r.Get("/api/player", s.getPlayer)
		r.Get("/api/catalog", s.getCatalog)
		r.Post("/api/facilities/{id}/produce", s.produce)

		// Market
		r.Get("/api/market/listings", s.listListings)
		r.Post("/api/market/listings", s.createListing)
		r.Post("/api/market/listings/{id}/buy", s.buyListing)
		r.Delete("/api/market/listings/{id}", s.removeListing)
		r.Get("/api/prices", s.getPrices)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) signInAnonymously(w http.ResponseWriter, r *http.Request) {
	id, token, err := s.ids.SignInAnonymously(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"identity": id, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	id, token, err := s.ids.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{"identity": id, "token": token})
}

func (s *Server) claimUsername(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	id, err := s.ids.ClaimUsername(r.Context(), uid, req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.manager.Session(r.Context(), uid)
	if err != nil {
		log.Printf("[api] display name for %s: %v", uid, err)
	} else {
		renameSession(r.Context(), sess, id.Username)
	}
	json200(w, map[string]any{"identity": id})
}

// renameSession refreshes the cached display name. The claim is already
// stored, so a failure only leaves the cache stale until the next load.
func renameSession(ctx context.Context, sess *engine.Session, name string) {
	if err := sess.SetDisplayName(ctx, name); err != nil {
		log.Printf("[api] display name for %s: %v", sess.PlayerID(), err)
	}
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	token := r.Context().Value(ctxToken).(string)
	if err := s.ids.SignOut(r.Context(), token); err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]string{"status": "signed out"})
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxToken  ctxKey = "token"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		id, err := s.ids.CurrentIdentity(r.Context(), tokenStr)
		if err != nil {
			writeErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, id.ID)
		ctx = context.WithValue(ctx, ctxToken, tokenStr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Player ───────────────────────────────────────────

func (s *Server) session(r *http.Request) (*engine.Session, error) {
	uid := r.Context().Value(ctxUserID).(string)
	return s.manager.Session(r.Context(), uid)
}

func (s *Server) getPlayer(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := sess.View(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, v)
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	json200(w, s.manager.Catalog().Facilities)
}

func (s *Server) produce(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "id")
	var req model.ProduceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sess.Produce(r.Context(), facilityID, req.RecipeIndex); err != nil {
		writeErr(w, err)
		return
	}
	v, err := sess.View(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, v)
}

// ── Market ───────────────────────────────────────────

func (s *Server) listListings(w http.ResponseWriter, r *http.Request) {
	uid := r.Context().Value(ctxUserID).(string)
	q, err := parseQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, s.book.Views(r.Context(), uid, q))
}

func parseQuery(r *http.Request) (engine.ListingQuery, error) {
	q := engine.DefaultQuery
	v := r.URL.Query()
	if res := v.Get("resource"); res != "" && res != "all" {
		t, err := model.ParseResourceType(res)
		if err != nil {
			return q, err
		}
		q.Resource = t
	}
	switch sortBy := v.Get("sort"); sortBy {
	case "":
	case engine.SortPrice, engine.SortAmount, engine.SortTimestamp:
		q.SortBy = sortBy
		q.Desc = false
	default:
		return q, fmt.Errorf("%w: sort must be price, amount or timestamp", errBadRequest)
	}
	switch dir := v.Get("dir"); dir {
	case "":
	case "asc":
		q.Desc = false
	case "desc":
		q.Desc = true
	default:
		return q, fmt.Errorf("%w: dir must be asc or desc", errBadRequest)
	}
	return q, nil
}

func (s *Server) createListing(w http.ResponseWriter, r *http.Request) {
	var req model.CreateListingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	typ, err := model.ParseResourceType(req.Resource)
	if err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	l, err := sess.CreateListing(r.Context(), typ, req.Amount, req.PricePerUnit)
	if err != nil {
		writeErr(w, err)
		return
	}
	json200(w, map[string]any{
		"listing": l,
		"message": fmt.Sprintf("Listed %s %s at %s coins each", humanize.Comma(int64(l.TotalAmount)), typ, humanize.Comma(int64(l.PricePerUnit))),
	})
}

// lookupListing reads the listing from the store rather than the book so
// the version used for the conditional delete is current.
func (s *Server) lookupListing(ctx context.Context, id string) (model.MarketListing, error) {
	doc, err := s.store.Get(ctx, model.CollectionListings, id)
	if err != nil {
		return model.MarketListing{}, err
	}
	if doc == nil {
		return model.MarketListing{}, docstore.ErrNotFound
	}
	return engine.DecodeListing(doc)
}

func (s *Server) buyListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, err := sess.BuyListing(r.Context(), l)
	if err != nil {
		writeRaceErr(w, err)
		return
	}
	json200(w, map[string]any{"purchase": p, "message": p.Message()})
}

func (s *Server) removeListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.lookupListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := sess.RemoveListing(r.Context(), l); err != nil {
		writeRaceErr(w, err)
		return
	}
	json200(w, map[string]any{
		"listing": l,
		"message": fmt.Sprintf("Listing removed. %s %s returned to your inventory.", humanize.Comma(int64(l.TotalAmount)), l.Resource.Type),
	})
}

func (s *Server) getPrices(w http.ResponseWriter, r *http.Request) {
	json200(w, model.DefaultPrices)
}

// ── Helpers ──────────────────────────────────────────

var errBadRequest = errors.New("bad request")

// writeRaceErr treats a listing that vanished or changed between lookup
// and delete as a lost race.
func writeRaceErr(w http.ResponseWriter, err error) {
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrConflict) {
		jsonErr(w, 409, "listing is no longer available")
		return
	}
	writeErr(w, err)
}

func writeErr(w http.ResponseWriter, err error) {
	var unknown *model.UnknownResourceError
	switch {
	case errors.As(err, &unknown),
		errors.Is(err, errBadRequest),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidRecipe),
		errors.Is(err, engine.ErrInvalidListing),
		errors.Is(err, engine.ErrInsufficientResources),
		errors.Is(err, identity.ErrInvalidUsername),
		errors.Is(err, identity.ErrPasswordTooShort):
		jsonErr(w, 400, err.Error())
	case errors.Is(err, engine.ErrUnauthenticated),
		errors.Is(err, engine.ErrSessionClosed),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrTokenRevoked),
		errors.Is(err, identity.ErrInvalidCredentials):
		jsonErr(w, 401, err.Error())
	case errors.Is(err, engine.ErrNotListingOwner):
		jsonErr(w, 403, err.Error())
	case errors.Is(err, engine.ErrFacilityNotFound), errors.Is(err, docstore.ErrNotFound):
		jsonErr(w, 404, err.Error())
	case errors.Is(err, docstore.ErrConflict), errors.Is(err, identity.ErrUsernameTaken):
		jsonErr(w, 409, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		jsonErr(w, 503, "request cancelled")
	default:
		log.Printf("[api] persistence error: %v", err)
		jsonErr(w, 502, "could not reach the document store")
	}
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
