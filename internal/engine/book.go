package engine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/model"
)

const (
	SortTimestamp = "timestamp"
	SortPrice     = "price"
	SortAmount    = "amount"
)

const (
	nameYou       = "You"
	nameAnonymous = "Anonymous Trader"
	nameUnknown   = "Unknown Trader"
)

// ListingQuery filters and orders the book. Zero value: all resources,
// newest first.
type ListingQuery struct {
	Resource model.ResourceType
	SortBy   string
	Desc     bool
}

// DefaultQuery lists everything newest first.
var DefaultQuery = ListingQuery{SortBy: SortTimestamp, Desc: true}

// ListingBook mirrors the market_listings collection from its live
// subscription.
type ListingBook struct {
	mu       sync.RWMutex
	listings []model.MarketListing // store order
	index    map[string]int

	store   docstore.Store
	publish PublishFunc
	now     func() time.Time

	namesMu sync.Mutex
	names   map[string]string
}

func NewListingBook(store docstore.Store, publish PublishFunc) *ListingBook {
	return &ListingBook{
		index:   make(map[string]int),
		store:   store,
		publish: publish,
		now:     time.Now,
		names:   make(map[string]string),
	}
}

// Run applies subscription snapshots until ctx is done.
func (b *ListingBook) Run(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, model.CollectionListings)
	if err != nil {
		return err
	}
	defer sub.Close()
	log.Printf("[book] subscribed to %s", model.CollectionListings)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.Apply(snap)
		}
	}
}

// Apply replaces the book with snap. Undecodable documents are skipped.
func (b *ListingBook) Apply(snap docstore.Snapshot) {
	listings := make([]model.MarketListing, 0, len(snap.Docs))
	index := make(map[string]int, len(snap.Docs))
	for i := range snap.Docs {
		l, err := DecodeListing(&snap.Docs[i])
		if err != nil {
			log.Printf("[book] skip: %v", err)
			continue
		}
		index[l.ID] = len(listings)
		listings = append(listings, l)
	}

	b.mu.Lock()
	b.listings = listings
	b.index = index
	b.mu.Unlock()

	if b.publish != nil {
		b.publish("market", "listings_snapshot", listings)
	}
}

func (b *ListingBook) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listings)
}

func (b *ListingBook) Get(id string) (model.MarketListing, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.index[id]
	if !ok {
		return model.MarketListing{}, false
	}
	return b.listings[i], true
}

// Query returns a filtered, stably sorted copy of the book.
func (b *ListingBook) Query(q ListingQuery) []model.MarketListing {
	b.mu.RLock()
	out := make([]model.MarketListing, 0, len(b.listings))
	for _, l := range b.listings {
		if q.Resource != "" && l.Resource.Type != q.Resource {
			continue
		}
		out = append(out, l)
	}
	b.mu.RUnlock()

	var less func(x, y model.MarketListing) bool
	switch q.SortBy {
	case SortPrice:
		less = func(x, y model.MarketListing) bool { return x.PricePerUnit < y.PricePerUnit }
	case SortAmount:
		less = func(x, y model.MarketListing) bool { return x.TotalAmount < y.TotalAmount }
	default:
		less = func(x, y model.MarketListing) bool { return x.Timestamp < y.Timestamp }
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Desc {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out
}

// Views decorates Query results for viewerID.
func (b *ListingBook) Views(ctx context.Context, viewerID string, q ListingQuery) []model.ListingView {
	ls := b.Query(q)
	out := make([]model.ListingView, len(ls))
	now := b.now()
	for i, l := range ls {
		out[i] = model.ListingView{
			MarketListing: l,
			SellerName:    b.SellerName(ctx, viewerID, l.SellerID),
			TotalCost:     l.TotalCost(),
			Listed:        humanize.RelTime(time.UnixMilli(l.Timestamp), now, "ago", "from now"),
		}
	}
	return out
}

// SellerName resolves the display name shown for a listing's seller.
// Names are cached once found; failed lookups are retried next time.
func (b *ListingBook) SellerName(ctx context.Context, viewerID, sellerID string) string {
	if sellerID != "" && sellerID == viewerID {
		return nameYou
	}
	b.namesMu.Lock()
	name, ok := b.names[sellerID]
	b.namesMu.Unlock()
	if ok {
		return name
	}

	doc, err := b.store.Get(ctx, model.CollectionPlayers, sellerID)
	if err != nil {
		log.Printf("[book] seller %s: %v", sellerID, err)
		return nameUnknown
	}
	var pd model.PlayerDoc
	if doc != nil {
		if err := doc.Decode(&pd); err != nil {
			return nameUnknown
		}
	}
	if pd.DisplayName == "" {
		return nameAnonymous
	}
	b.namesMu.Lock()
	b.names[sellerID] = pd.DisplayName
	b.namesMu.Unlock()
	return pd.DisplayName
}
