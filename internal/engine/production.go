package engine

import (
	"harvest-exchange/internal/journal"
	"harvest-exchange/internal/ledger"
	"harvest-exchange/internal/model"
)

// resolveRecipe finds recipe index of the facility.
func resolveRecipe(facilities []model.ProductionFacility, facilityID string, index int) (model.ProductionRecipe, error) {
	for _, f := range facilities {
		if f.ID != facilityID {
			continue
		}
		if index < 0 || index >= len(f.Recipes) {
			return model.ProductionRecipe{}, ErrInvalidRecipe
		}
		return f.Recipes[index], nil
	}
	return model.ProductionRecipe{}, ErrFacilityNotFound
}

// feasible reports whether l holds every input of r. Repeated input
// types are summed.
func feasible(l *ledger.Ledger, r model.ProductionRecipe) bool {
	need := make(map[model.ResourceType]int, len(r.Inputs))
	for _, in := range r.Inputs {
		need[in.Type] += in.Amount
	}
	for t, n := range need {
		if !l.Has(t, n) {
			return false
		}
	}
	return true
}

// Produce executes a recipe against the ledger: all inputs are debited,
// then the output is credited. Nothing changes on error.
func Produce(l *ledger.Ledger, facilities []model.ProductionFacility, facilityID string, index int) (model.ProductionRecipe, error) {
	r, err := resolveRecipe(facilities, facilityID, index)
	if err != nil {
		return r, err
	}
	if !feasible(l, r) {
		return r, ErrInsufficientResources
	}
	for _, in := range r.Inputs {
		if in.Amount > 0 {
			l.RemoveResource(in.Type, in.Amount)
		}
	}
	if r.Output.Amount > 0 {
		if err := l.AddResource(r.Output.Type, r.Output.Amount); err != nil {
			return r, err
		}
	}
	return r, nil
}

// CanProduce is Produce without the side effects.
func CanProduce(l *ledger.Ledger, facilities []model.ProductionFacility, facilityID string, index int) bool {
	r, err := resolveRecipe(facilities, facilityID, index)
	return err == nil && feasible(l, r)
}

func (s *Session) produce(facilityID string, index int) error {
	r, err := Produce(s.ledger, s.facilities, facilityID, index)
	if err != nil {
		return err
	}
	s.markDirty()
	s.record(journal.EventProduced, map[string]any{
		"facility": facilityID,
		"recipe":   index,
		"output":   r.Output,
	})
	return nil
}

func (s *Session) canProduce(facilityID string, index int) bool {
	return CanProduce(s.ledger, s.facilities, facilityID, index)
}
