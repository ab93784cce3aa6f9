package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"harvest-exchange/internal/docstore"
	"harvest-exchange/internal/journal"
	"harvest-exchange/internal/model"
	"harvest-exchange/internal/schema"
)

// Purchase is the result of a successful buy.
type Purchase struct {
	Listing   model.MarketListing `json:"listing"`
	TotalCost int64               `json:"totalCost"`
}

func (p Purchase) Message() string {
	return fmt.Sprintf("Successfully purchased %s %s for %s coins",
		humanize.Comma(int64(p.Listing.TotalAmount)), p.Listing.Resource.Type, humanize.Comma(p.TotalCost))
}

// DecodeListing reads a market listing document. ID and Version come from
// the document itself.
func DecodeListing(doc *docstore.Document) (model.MarketListing, error) {
	var l model.MarketListing
	if err := doc.Decode(&l); err != nil {
		return l, fmt.Errorf("decode listing %s: %w", doc.ID, err)
	}
	l.ID = doc.ID
	l.Version = doc.Version
	return l, nil
}

func listingFields(l model.MarketListing) (docstore.Fields, error) {
	l.ID = ""
	l.Version = 0
	f, err := docstore.Encode(l)
	if err != nil {
		return nil, err
	}
	delete(f, "id")
	delete(f, "version")
	return f, nil
}

func (s *Session) createListing(ctx context.Context, typ model.ResourceType, amount, price int) (model.MarketListing, error) {
	if s.playerID == "" {
		return model.MarketListing{}, ErrUnauthenticated
	}
	if !typ.Valid() {
		return model.MarketListing{}, &model.UnknownResourceError{Input: string(typ)}
	}
	if amount <= 0 {
		return model.MarketListing{}, ErrInvalidAmount
	}
	if price <= 0 {
		return model.MarketListing{}, ErrInvalidPrice
	}
	if !s.ledger.RemoveResource(typ, amount) {
		return model.MarketListing{}, ErrInsufficientResources
	}

	l := model.MarketListing{
		SellerID: s.playerID,
		Resource: model.Resource{
			ID:      string(typ) + "-" + uuid.New().String(),
			Type:    typ,
			Amount:  amount,
			OwnerID: s.playerID,
		},
		PricePerUnit: price,
		TotalAmount:  amount,
		Timestamp:    s.now().UnixMilli(),
	}

	id, err := s.publish(ctx, l)
	if err != nil {
		s.ledger.AddResource(typ, amount)
		return model.MarketListing{}, err
	}
	l.ID = id
	l.Version = 1
	s.markDirty()
	s.record(journal.EventListingCreated, l)
	log.Printf("[market] %s listed %d %s @ %d", s.playerID, amount, typ, price)
	return l, nil
}

func (s *Session) publish(ctx context.Context, l model.MarketListing) (string, error) {
	if err := schema.ValidateListing(l); err != nil {
		return "", err
	}
	fields, err := listingFields(l)
	if err != nil {
		return "", err
	}
	id, err := s.store.Add(ctx, model.CollectionListings, fields)
	if err != nil {
		return "", fmt.Errorf("publish listing: %w", err)
	}
	return id, nil
}

func (s *Session) buyListing(ctx context.Context, l model.MarketListing) (Purchase, error) {
	if s.playerID == "" {
		return Purchase{}, ErrUnauthenticated
	}
	typ := l.Resource.Type
	if l.ID == "" || !typ.Valid() || l.TotalAmount <= 0 {
		return Purchase{}, ErrInvalidListing
	}

	if err := s.ledger.AddResource(typ, l.TotalAmount); err != nil {
		return Purchase{}, err
	}
	if err := s.store.Delete(ctx, model.CollectionListings, l.ID, l.Version); err != nil {
		s.ledger.RemoveResource(typ, l.TotalAmount)
		return Purchase{}, fmt.Errorf("buy listing %s: %w", l.ID, err)
	}

	p := Purchase{Listing: l, TotalCost: l.TotalCost()}
	s.markDirty()
	s.record(journal.EventListingBought, p)
	log.Printf("[market] %s bought %s (%d %s)", s.playerID, l.ID, l.TotalAmount, typ)
	return p, nil
}

func (s *Session) removeListing(ctx context.Context, l model.MarketListing) error {
	if s.playerID == "" {
		return ErrUnauthenticated
	}
	if l.SellerID != s.playerID {
		return ErrNotListingOwner
	}
	typ := l.Resource.Type
	if l.ID == "" || !typ.Valid() || l.TotalAmount <= 0 {
		return ErrInvalidListing
	}

	if err := s.ledger.AddResource(typ, l.TotalAmount); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, model.CollectionListings, l.ID, l.Version); err != nil {
		s.ledger.RemoveResource(typ, l.TotalAmount)
		return fmt.Errorf("remove listing %s: %w", l.ID, err)
	}

	s.markDirty()
	s.record(journal.EventListingRemoved, l)
	log.Printf("[market] %s removed %s", s.playerID, l.ID)
	return nil
}
