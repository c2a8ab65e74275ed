package watch

import (
	"fmt"
	"regexp"
	"sort"
)

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Kind describes one watch-kind. The pipeline, stores and dispatcher are
// written once and take a Kind to know where rows live and which result
// field qualifies for an alert.
type Kind struct {
	// Name is the stable identifier ("price", "availability").
	Name string
	// Event is a short phrase used in alerts ("is on sale").
	Event string

	TargetsTable       string
	CapturesTable      string
	ResultsTable       string
	SubscriptionsTable string

	// QualifyingColumn is the boolean result column that triggers an alert.
	QualifyingColumn string
	// DetailColumns are the kind-specific result columns, in the order used
	// by DetailValues and DetailDest.
	DetailColumns []string

	// Flag points at the Analysis field stored in QualifyingColumn.
	Flag         func(*Analysis) *bool
	DetailValues func(Analysis) []any
	DetailDest   func(*Analysis) []any
}

// Qualifies reports whether a result should trigger an alert.
func (k Kind) Qualifies(a Analysis) bool {
	return *k.Flag(&a)
}

// Validate checks that the descriptor can be used to build SQL safely.
func (k Kind) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("kind name is required")
	}
	idents := append([]string{
		k.TargetsTable,
		k.CapturesTable,
		k.ResultsTable,
		k.SubscriptionsTable,
		k.QualifyingColumn,
	}, k.DetailColumns...)
	for _, ident := range idents {
		if !validIdent.MatchString(ident) {
			return fmt.Errorf("kind %s: invalid identifier %q", k.Name, ident)
		}
	}
	if k.Flag == nil || k.DetailValues == nil || k.DetailDest == nil {
		return fmt.Errorf("kind %s: qualifier and detail mappers are required", k.Name)
	}
	if n := len(k.DetailValues(Analysis{})); n != len(k.DetailColumns) {
		return fmt.Errorf("kind %s: %d detail values for %d columns", k.Name, n, len(k.DetailColumns))
	}
	return nil
}

// PriceKind watches for a product going on sale.
var PriceKind = Kind{
	Name:               "price",
	Event:              "is on sale",
	TargetsTable:       "price_targets",
	CapturesTable:      "price_captures",
	ResultsTable:       "price_results",
	SubscriptionsTable: "price_subscriptions",
	QualifyingColumn:   "is_on_sale",
	DetailColumns: []string{
		"price",
		"currency",
		"discount_percentage",
		"discount_details",
		"other_insights",
	},
	Flag: func(a *Analysis) *bool { return &a.IsOnSale },
	DetailValues: func(a Analysis) []any {
		return []any{a.Price, a.Currency, a.DiscountPercentage, a.DiscountDetails, a.OtherInsights}
	},
	DetailDest: func(a *Analysis) []any {
		return []any{&a.Price, &a.Currency, &a.DiscountPercentage, &a.DiscountDetails, &a.OtherInsights}
	},
}

// AvailabilityKind watches for a product coming back in stock.
var AvailabilityKind = Kind{
	Name:               "availability",
	Event:              "is back in stock",
	TargetsTable:       "availability_targets",
	CapturesTable:      "availability_captures",
	ResultsTable:       "availability_results",
	SubscriptionsTable: "availability_subscriptions",
	QualifyingColumn:   "is_available",
	DetailColumns: []string{
		"stock_status",
		"availability_details",
	},
	Flag: func(a *Analysis) *bool { return &a.IsAvailable },
	DetailValues: func(a Analysis) []any {
		return []any{a.StockStatus, a.AvailabilityDetails}
	},
	DetailDest: func(a *Analysis) []any {
		return []any{&a.StockStatus, &a.AvailabilityDetails}
	},
}

var registry = map[string]Kind{
	PriceKind.Name:        PriceKind,
	AvailabilityKind.Name: AvailabilityKind,
}

// Kinds returns every registered kind, sorted by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for _, k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupKind resolves a kind by name.
func LookupKind(name string) (Kind, error) {
	k, ok := registry[name]
	if !ok {
		return Kind{}, fmt.Errorf("unknown watch kind %q", name)
	}
	return k, nil
}
