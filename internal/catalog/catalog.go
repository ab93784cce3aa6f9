package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"harvest-exchange/internal/model"
)

// Catalog maps each facility type to its ordered recipe list.
type Catalog struct {
	Facilities map[model.FacilityType][]model.ProductionRecipe `yaml:"facilities"`
}

func Default() *Catalog {
	return &Catalog{Facilities: map[model.FacilityType][]model.ProductionRecipe{
		model.Farmland: {
			{Output: model.RecipeAmount{Type: model.Grain, Amount: 1}},
			{Output: model.RecipeAmount{Type: model.Corn, Amount: 1}},
		},
		model.Mill: {
			{
				Inputs: []model.RecipeAmount{{Type: model.Grain, Amount: 2}},
				Output: model.RecipeAmount{Type: model.Flour, Amount: 1},
			},
		},
	}}
}

// Load reads a catalog file. Facility types missing from the file keep
// their default recipes.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file Catalog
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	c := Default()
	for ft, recipes := range file.Facilities {
		c.Facilities[ft] = recipes
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) Validate() error {
	for ft, recipes := range c.Facilities {
		if !ft.Valid() {
			return fmt.Errorf("unknown facility type %q", ft)
		}
		if len(recipes) == 0 {
			return fmt.Errorf("%s: no recipes", ft)
		}
		for i, r := range recipes {
			if !r.Output.Type.Valid() || r.Output.Amount <= 0 {
				return fmt.Errorf("%s recipe %d: bad output %+v", ft, i, r.Output)
			}
			for _, in := range r.Inputs {
				if !in.Type.Valid() || in.Amount <= 0 {
					return fmt.Errorf("%s recipe %d: bad input %+v", ft, i, in)
				}
			}
		}
	}
	return nil
}

// Recipes returns a copy of the recipes for ft.
func (c *Catalog) Recipes(ft model.FacilityType) []model.ProductionRecipe {
	src := c.Facilities[ft]
	out := make([]model.ProductionRecipe, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out
}

// InitialFacilities is the starting set for a new player: one farmland and
// one mill at level 1.
func (c *Catalog) InitialFacilities(playerID string) []model.ProductionFacility {
	return []model.ProductionFacility{
		{ID: "farmland-1", Type: model.Farmland, OwnerID: playerID, Level: 1, Recipes: c.Recipes(model.Farmland)},
		{ID: "mill-1", Type: model.Mill, OwnerID: playerID, Level: 1, Recipes: c.Recipes(model.Mill)},
	}
}
