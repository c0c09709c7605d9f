package discount

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
)

const (
	ScopeLine         = "line"
	ScopeBundle       = "bundle"
	ScopeMinimumSpend = "minimum_spend"
)

type LineInput struct {
	ItemID       string
	ProductID    string
	Quantity     int
	UnitPrice    decimal.Decimal
	LineSubtotal decimal.Decimal
}

type OfferQuery struct {
	StoreID    string
	CurrencyID string
	CustomerID string
	Lines      []LineInput
}

// OfferApplication is one offer the resolution collaborator says applies.
// Line-scoped applications carry the item they target; bundle and
// minimum-spend applications apply to the whole transaction.
type OfferApplication struct {
	ItemID         string
	Scope          string
	OfferID        string
	Name           string
	DiscountType   string
	DiscountAmount decimal.Decimal
	Combinable     bool
}

func (a OfferApplication) Snapshot() *domain.OfferSnapshot {
	return &domain.OfferSnapshot{
		OfferID:        a.OfferID,
		Name:           a.Name,
		DiscountType:   a.DiscountType,
		DiscountAmount: a.DiscountAmount,
		Combinable:     a.Combinable,
	}
}

// OfferResolver must be free of side effects.
type OfferResolver interface {
	ResolveApplicableOffers(ctx context.Context, query OfferQuery) ([]OfferApplication, error)
}

type NoOffers struct{}

func (NoOffers) ResolveApplicableOffers(_ context.Context, _ OfferQuery) ([]OfferApplication, error) {
	return nil, nil
}

// Rule is a static offer definition evaluated by StaticOffers.
type Rule struct {
	OfferID        string          `json:"offer_id"`
	Name           string          `json:"name"`
	Scope          string          `json:"scope"`
	StoreID        string          `json:"store_id,omitempty"`
	ProductID      string          `json:"product_id,omitempty"`
	BundleProducts []string        `json:"bundle_products,omitempty"`
	MinimumSpend   decimal.Decimal `json:"minimum_spend"`
	CustomerOnly   bool            `json:"customer_only"`
	DiscountType   string          `json:"discount_type"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Combinable     bool            `json:"combinable"`
}

// LoadRules reads a JSON array of rules and rejects any rule StaticOffers
// could not evaluate.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offer rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode offer rules: %w", err)
	}
	for i, rule := range rules {
		if strings.TrimSpace(rule.OfferID) == "" {
			return nil, fmt.Errorf("offer rule %d: offer_id is required", i)
		}
		switch rule.DiscountType {
		case domain.DiscountTypeFixed, domain.DiscountTypePercentage:
		default:
			return nil, fmt.Errorf("offer %s: unknown discount type %q", rule.OfferID, rule.DiscountType)
		}
		if rule.DiscountAmount.IsNegative() {
			return nil, fmt.Errorf("offer %s: discount amount must not be negative", rule.OfferID)
		}
		switch rule.Scope {
		case ScopeLine, "":
			if rule.ProductID == "" {
				return nil, fmt.Errorf("offer %s: line offers need product_id", rule.OfferID)
			}
		case ScopeBundle:
			if len(rule.BundleProducts) == 0 {
				return nil, fmt.Errorf("offer %s: bundle offers need bundle_products", rule.OfferID)
			}
		case ScopeMinimumSpend:
		default:
			return nil, fmt.Errorf("offer %s: unknown scope %q", rule.OfferID, rule.Scope)
		}
	}
	return rules, nil
}

// StaticOffers resolves offers from a fixed rule list.
type StaticOffers struct {
	Rules []Rule
}

func (s StaticOffers) ResolveApplicableOffers(_ context.Context, query OfferQuery) ([]OfferApplication, error) {
	var out []OfferApplication
	subtotal := decimal.Zero
	products := make(map[string]bool, len(query.Lines))
	for _, line := range query.Lines {
		subtotal = subtotal.Add(line.LineSubtotal)
		products[line.ProductID] = true
	}

	for _, rule := range s.Rules {
		if rule.StoreID != "" && rule.StoreID != query.StoreID {
			continue
		}
		if rule.CustomerOnly && query.CustomerID == "" {
			continue
		}
		app := OfferApplication{
			Scope:          rule.Scope,
			OfferID:        rule.OfferID,
			Name:           rule.Name,
			DiscountType:   rule.DiscountType,
			DiscountAmount: rule.DiscountAmount,
			Combinable:     rule.Combinable,
		}
		switch rule.Scope {
		case ScopeLine, "":
			app.Scope = ScopeLine
			for _, line := range query.Lines {
				if line.ProductID == rule.ProductID {
					lineApp := app
					lineApp.ItemID = line.ItemID
					out = append(out, lineApp)
				}
			}
		case ScopeBundle:
			complete := len(rule.BundleProducts) > 0
			for _, productID := range rule.BundleProducts {
				if !products[productID] {
					complete = false
					break
				}
			}
			if complete {
				out = append(out, app)
			}
		case ScopeMinimumSpend:
			if subtotal.GreaterThanOrEqual(rule.MinimumSpend) {
				out = append(out, app)
			}
		}
	}
	return out, nil
}
