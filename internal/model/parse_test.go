package model

import (
	"errors"
	"testing"
)

func TestParseResourceType(t *testing.T) {
	tests := []struct {
		in         string
		want       ResourceType
		suggestion ResourceType
		wantErr    bool
	}{
		{"grain", Grain, "", false},
		{" Flour ", Flour, "", false},
		{"CORN", Corn, "", false},
		{"grian", "", Grain, true},
		{"flor", "", Flour, true},
		{"con", "", Corn, true},
		{"gold", "", "", true},
		{"x", "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseResourceType(tc.in)
			if !tc.wantErr {
				if err != nil || got != tc.want {
					t.Fatalf("ParseResourceType(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
				}
				return
			}
			var ue *UnknownResourceError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UnknownResourceError, got %v", err)
			}
			if ue.Suggestion != tc.suggestion {
				t.Fatalf("suggestion for %q = %q, want %q", tc.in, ue.Suggestion, tc.suggestion)
			}
		})
	}
}

func TestTotalCost(t *testing.T) {
	l := MarketListing{PricePerUnit: 25, TotalAmount: 4}
	if l.TotalCost() != 100 {
		t.Fatalf("expected 100, got %d", l.TotalCost())
	}
}

func TestRecipeCloneIndependent(t *testing.T) {
	r := ProductionRecipe{Inputs: []RecipeAmount{{Type: Grain, Amount: 2}}, Output: RecipeAmount{Type: Flour, Amount: 1}}
	c := r.Clone()
	c.Inputs[0].Amount = 5
	if r.Inputs[0].Amount != 2 {
		t.Fatal("clone shares input slice")
	}
}
