package discount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Policy decides what happens when a non-combinable offer and a customer
// discount land on the same line.
type Policy string

const (
	PolicyOfferWins       Policy = "offer_wins"
	PolicyBestForCustomer Policy = "best_for_customer"
	PolicyStack           Policy = "stack"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicyOfferWins, nil
	case PolicyOfferWins, PolicyBestForCustomer, PolicyStack:
		return p, nil
	default:
		return "", fmt.Errorf("unknown discount combinability policy %q", raw)
	}
}

type LineResult struct {
	Offer            *domain.OfferSnapshot
	OfferDiscount    decimal.Decimal
	CustomerDiscount decimal.Decimal
	LineDiscount     decimal.Decimal
	LineTotal        decimal.Decimal
}

type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	if policy == "" {
		policy = PolicyOfferWins
	}
	return &Engine{policy: policy}
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// ComputeLine applies an optional offer and the customer percentage to one
// line. The sum of both never exceeds the line subtotal.
func (e *Engine) ComputeLine(lineSubtotal decimal.Decimal, offer *domain.OfferSnapshot, customerPct decimal.Decimal, places int32) LineResult {
	offerDiscount := decimal.Zero
	if offer != nil {
		offerDiscount = amountFor(offer.DiscountType, offer.DiscountAmount, lineSubtotal, places)
	}
	customerDiscount := decimal.Zero
	if customerPct.IsPositive() {
		customerDiscount = lineSubtotal.Mul(customerPct).Div(hundred).Round(places)
	}

	if offer != nil && !offer.Combinable && offerDiscount.IsPositive() && customerDiscount.IsPositive() {
		switch e.policy {
		case PolicyOfferWins:
			customerDiscount = decimal.Zero
		case PolicyBestForCustomer:
			if customerDiscount.GreaterThan(offerDiscount) {
				offer = nil
				offerDiscount = decimal.Zero
			} else {
				customerDiscount = decimal.Zero
			}
		case PolicyStack:
		}
	}

	// Cap: trim the customer discount first, then the offer.
	if offerDiscount.GreaterThan(lineSubtotal) {
		offerDiscount = lineSubtotal
	}
	if room := lineSubtotal.Sub(offerDiscount); customerDiscount.GreaterThan(room) {
		customerDiscount = room
	}

	lineDiscount := offerDiscount.Add(customerDiscount)
	return LineResult{
		Offer:            offer,
		OfferDiscount:    offerDiscount,
		CustomerDiscount: customerDiscount,
		LineDiscount:     lineDiscount,
		LineTotal:        decimal.Max(decimal.Zero, lineSubtotal.Sub(lineDiscount)),
	}
}

type TransactionResult struct {
	BundleDiscount       decimal.Decimal
	MinimumSpendDiscount decimal.Decimal
}

// ComputeTransaction applies bundle and minimum-spend offers against the
// amount left after line discounts. Percentages are taken on that amount and
// the combined result never exceeds it.
func (e *Engine) ComputeTransaction(apps []OfferApplication, afterLines decimal.Decimal, places int32) TransactionResult {
	var res TransactionResult
	remaining := decimal.Max(decimal.Zero, afterLines)
	for _, app := range apps {
		var target *decimal.Decimal
		switch app.Scope {
		case ScopeBundle:
			target = &res.BundleDiscount
		case ScopeMinimumSpend:
			target = &res.MinimumSpendDiscount
		default:
			continue
		}
		amount := decimal.Min(amountFor(app.DiscountType, app.DiscountAmount, afterLines, places), remaining)
		*target = target.Add(amount)
		remaining = remaining.Sub(amount)
	}
	return res
}

// LineOffers picks the first line-scoped application per item.
func LineOffers(apps []OfferApplication) map[string]OfferApplication {
	out := make(map[string]OfferApplication)
	for _, app := range apps {
		if app.Scope != ScopeLine || app.ItemID == "" {
			continue
		}
		if _, taken := out[app.ItemID]; !taken {
			out[app.ItemID] = app
		}
	}
	return out
}

func amountFor(discountType string, amount decimal.Decimal, base decimal.Decimal, places int32) decimal.Decimal {
	if !amount.IsPositive() || !base.IsPositive() {
		return decimal.Zero
	}
	switch discountType {
	case domain.DiscountTypePercentage:
		return base.Mul(amount).Div(hundred).Round(places)
	case domain.DiscountTypeFixed:
		return amount.Round(places)
	default:
		return decimal.Zero
	}
}
