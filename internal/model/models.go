package model

// ── Enums ────────────────────────────────────────────

type ResourceType string

const (
	Grain ResourceType = "grain"
	Corn  ResourceType = "corn"
	Flour ResourceType = "flour"
)

// ResourceTypes lists every resource type in display order.
var ResourceTypes = []ResourceType{Grain, Corn, Flour}

func (t ResourceType) Valid() bool {
	switch t {
	case Grain, Corn, Flour:
		return true
	}
	return false
}

type FacilityType string

const (
	Farmland FacilityType = "farmland"
	Mill     FacilityType = "mill"
)

var FacilityTypes = []FacilityType{Farmland, Mill}

func (t FacilityType) Valid() bool {
	return t == Farmland || t == Mill
}

// ── Domain Objects ───────────────────────────────────

type Resource struct {
	ID      string       `json:"id"`
	Type    ResourceType `json:"type"`
	Amount  int          `json:"amount"`
	OwnerID string       `json:"ownerId"`
}

type RecipeAmount struct {
	Type   ResourceType `json:"type" yaml:"type"`
	Amount int          `json:"amount" yaml:"amount"`
}

// ProductionRecipe converts Inputs into Output. No inputs means the
// recipe is free to run.
type ProductionRecipe struct {
	Inputs []RecipeAmount `json:"inputs" yaml:"inputs"`
	Output RecipeAmount   `json:"output" yaml:"output"`
}

func (r ProductionRecipe) Clone() ProductionRecipe {
	out := ProductionRecipe{Output: r.Output, Inputs: make([]RecipeAmount, len(r.Inputs))}
	copy(out.Inputs, r.Inputs)
	return out
}

type ProductionFacility struct {
	ID      string             `json:"id"`
	Type    FacilityType       `json:"type"`
	OwnerID string             `json:"ownerId"`
	Level   int                `json:"level"`
	Recipes []ProductionRecipe `json:"recipes"`
}

type MarketListing struct {
	ID           string   `json:"id"`
	SellerID     string   `json:"sellerId"`
	Resource     Resource `json:"resource"`
	PricePerUnit int      `json:"pricePerUnit"`
	TotalAmount  int      `json:"totalAmount"`
	Timestamp    int64    `json:"timestamp"` // unix millis
	Version      int64    `json:"version,omitempty"`
}

// TotalCost is shown to buyers. Nothing is charged.
func (l MarketListing) TotalCost() int64 {
	return int64(l.PricePerUnit) * int64(l.TotalAmount)
}

// ── Persisted Documents ──────────────────────────────

const (
	CollectionPlayers       = "players"
	CollectionUsernames     = "usernames"
	CollectionListings      = "market_listings"
	CollectionRevokedTokens = "revoked_tokens"
)

type PlayerDoc struct {
	Resources   []Resource           `json:"resources"`
	Facilities  []ProductionFacility `json:"facilities"`
	DisplayName string               `json:"displayName,omitempty"`
	UserID      string               `json:"userId,omitempty"`
	CreatedAt   int64                `json:"createdAt,omitempty"`
}

type UsernameDoc struct {
	UserID       string `json:"userId"`
	PasswordHash string `json:"passwordHash,omitempty"`
}

// ── Prices ───────────────────────────────────────────

// DefaultPrices are the suggested per-unit listing prices.
var DefaultPrices = map[ResourceType]int{
	Grain: 10,
	Corn:  12,
	Flour: 25,
}

// ── API Types ────────────────────────────────────────

type ProduceReq struct {
	RecipeIndex int `json:"recipe_index"`
}

type CreateListingReq struct {
	Resource     string `json:"resource"`
	Amount       int    `json:"amount"`
	PricePerUnit int    `json:"price_per_unit"`
}

type ListingView struct {
	MarketListing
	SellerName string `json:"sellerName"`
	TotalCost  int64  `json:"totalCost"`
	Listed     string `json:"listed"`
}

type PlayerView struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"displayName,omitempty"`
	Resources   []Resource           `json:"resources"`
	Totals      map[ResourceType]int `json:"totals"`
	Facilities  []ProductionFacility `json:"facilities"`
	NeedsResync bool                 `json:"needsResync"`
}
