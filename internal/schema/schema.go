// Package schema validates documents before they are written to the store.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceDef = `{
	"type": "object",
	"required": ["id", "type", "amount", "ownerId"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"enum": ["grain", "corn", "flour"]},
		"amount": {"type": "integer", "minimum": 0},
		"ownerId": {"type": "string"}
	}
}`

const playerSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"resources": {"type": "array", "items": ` + resourceDef + `},
		"facilities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type", "ownerId", "level", "recipes"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"enum": ["farmland", "mill"]},
					"ownerId": {"type": "string"},
					"level": {"type": "integer", "minimum": 1},
					"recipes": {"type": "array"}
				}
			}
		},
		"displayName": {"type": "string", "minLength": 3, "maxLength": 20},
		"userId": {"type": "string"},
		"createdAt": {"type": "integer"}
	}
}`

const listingSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["sellerId", "resource", "pricePerUnit", "totalAmount", "timestamp"],
	"properties": {
		"sellerId": {"type": "string", "minLength": 1},
		"resource": ` + resourceDef + `,
		"pricePerUnit": {"type": "integer", "minimum": 1},
		"totalAmount": {"type": "integer", "minimum": 1},
		"timestamp": {"type": "integer"}
	}
}`

var (
	player  = jsonschema.MustCompileString("https://harvest-exchange/schemas/player.json", playerSchema)
	listing = jsonschema.MustCompileString("https://harvest-exchange/schemas/listing.json", listingSchema)
)

// ValidatePlayer checks a player document (or a merge patch of one).
func ValidatePlayer(v any) error { return validate(player, "player", v) }

// ValidateListing checks a market listing document.
func ValidateListing(v any) error { return validate(listing, "listing", v) }

func validate(s *jsonschema.Schema, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s document: %w", name, err)
	}
	return nil
}
