/*
Package redemption plans and commits multi-instrument redemptions.

This file (rules.go) defines the closed set of usage restrictions and the
single predicate interface they are evaluated through.

PURPOSE:
  An instrument may restrict where it can be spent: a minimum order amount,
  or product/category allow and deny lists. The planner evaluates these
  against the order context before drawing from an instrument.

DESIGN:
  A closed, tagged set of rule kinds behind one Rule interface - not ad hoc
  payload shapes. Category membership is answered by the external catalog
  collaborator through the narrow CatalogReader interface; the ledger never
  caches catalog data.

SEE ALSO:
  - planner.go: The only consumer of rules
  - ledger/types.go: Restrictions, the stored form
*/
package redemption

import (
	"context"
	"fmt"

	"github.com/warp/stored-value/ledger"
)

// =============================================================================
// ORDER CONTEXT - What the planner knows about the order
// =============================================================================

// OrderContext carries what rule evaluation needs from the checkout flow.
// The planner does not own order data; the caller hands it a snapshot.
type OrderContext struct {
	OrderID    string
	Subtotal   ledger.Amount
	ProductIDs []string

	// IdempotencyKey, when set, makes the plan's draws idempotent: each
	// draw gets a key derived from it, so a network-level replay of the
	// same request cannot double-spend.
	IdempotencyKey string
}

// CatalogReader is the boundary to the external catalog collaborator.
// The only question the ledger ever asks it: does product P belong to
// category C.
type CatalogReader interface {
	ProductInCategory(ctx context.Context, productID, categoryID string) (bool, error)
}

// =============================================================================
// RULES - Closed, tagged restriction kinds
// =============================================================================

type RuleKind string

const (
	RuleMinOrderAmount RuleKind = "minimum_order_amount"
	RuleProductScope   RuleKind = "product_scope"
	RuleCategoryScope  RuleKind = "category_scope"
)

// Rule is the single predicate interface all restriction kinds implement.
type Rule interface {
	Kind() RuleKind
	// Check returns nil if the order satisfies the rule, an error wrapping
	// ledger.ErrRestrictionViolated if it does not.
	Check(ctx context.Context, order OrderContext) error
}

// RulesFor expands an instrument's stored restrictions into predicates.
func RulesFor(r ledger.Restrictions, catalog CatalogReader) []Rule {
	var rules []Rule
	if r.MinimumOrderAmount != nil {
		rules = append(rules, minOrderRule{min: *r.MinimumOrderAmount})
	}
	if len(r.AllowedProducts) > 0 || len(r.ExcludedProducts) > 0 {
		rules = append(rules, productScopeRule{
			allow: r.AllowedProducts,
			deny:  r.ExcludedProducts,
		})
	}
	if len(r.AllowedCategories) > 0 || len(r.ExcludedCategories) > 0 {
		rules = append(rules, categoryScopeRule{
			allow:   r.AllowedCategories,
			deny:    r.ExcludedCategories,
			catalog: catalog,
		})
	}
	return rules
}

// CheckAll runs every rule and returns the first violation.
func CheckAll(ctx context.Context, rules []Rule, order OrderContext) error {
	for _, rule := range rules {
		if err := rule.Check(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// minimum_order_amount
// -----------------------------------------------------------------------------

type minOrderRule struct {
	min ledger.Amount
}

func (r minOrderRule) Kind() RuleKind { return RuleMinOrderAmount }

func (r minOrderRule) Check(_ context.Context, order OrderContext) error {
	if order.Subtotal.LessThan(r.min) {
		return fmt.Errorf("%w: order subtotal %s below minimum %s",
			ledger.ErrRestrictionViolated, order.Subtotal, r.min)
	}
	return nil
}

// -----------------------------------------------------------------------------
// product_scope - allow list and deny list over order items
// -----------------------------------------------------------------------------

type productScopeRule struct {
	allow []string
	deny  []string
}

func (r productScopeRule) Kind() RuleKind { return RuleProductScope }

// Check requires every order item to be inside the allow list (when one is
// set) and outside the deny list.
func (r productScopeRule) Check(_ context.Context, order OrderContext) error {
	allowed := make(map[string]bool, len(r.allow))
	for _, p := range r.allow {
		allowed[p] = true
	}
	denied := make(map[string]bool, len(r.deny))
	for _, p := range r.deny {
		denied[p] = true
	}

	for _, p := range order.ProductIDs {
		if denied[p] {
			return fmt.Errorf("%w: product %s is excluded", ledger.ErrRestrictionViolated, p)
		}
		if len(allowed) > 0 && !allowed[p] {
			return fmt.Errorf("%w: product %s is not in the allowed set", ledger.ErrRestrictionViolated, p)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// category_scope - same shape, answered by the catalog collaborator
// -----------------------------------------------------------------------------

type categoryScopeRule struct {
	allow   []string
	deny    []string
	catalog CatalogReader
}

func (r categoryScopeRule) Kind() RuleKind { return RuleCategoryScope }

func (r categoryScopeRule) Check(ctx context.Context, order OrderContext) error {
	if r.catalog == nil {
		return fmt.Errorf("category restriction requires a catalog reader")
	}

	for _, p := range order.ProductIDs {
		for _, cat := range r.deny {
			in, err := r.catalog.ProductInCategory(ctx, p, cat)
			if err != nil {
				return fmt.Errorf("catalog lookup for %s/%s: %w", p, cat, err)
			}
			if in {
				return fmt.Errorf("%w: product %s is in excluded category %s",
					ledger.ErrRestrictionViolated, p, cat)
			}
		}
		if len(r.allow) > 0 {
			inAny := false
			for _, cat := range r.allow {
				in, err := r.catalog.ProductInCategory(ctx, p, cat)
				if err != nil {
					return fmt.Errorf("catalog lookup for %s/%s: %w", p, cat, err)
				}
				if in {
					inAny = true
					break
				}
			}
			if !inAny {
				return fmt.Errorf("%w: product %s is not in any allowed category",
					ledger.ErrRestrictionViolated, p)
			}
		}
	}
	return nil
}
