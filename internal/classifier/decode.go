package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Decode parses a classifier object into an Analysis. Keys are compared
// after lowercasing and dropping separators, so isProductPage,
// is_product_page and IsProductPage all land on the same field. Numbers
// and booleans are accepted in string form.
func Decode(object string) (watch.Analysis, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return watch.Analysis{}, fmt.Errorf("decode classifier object: %w", err)
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[normalizeKey(k)] = v
	}

	if msg, ok := fields["error"]; ok && msg != nil {
		return watch.Analysis{}, fmt.Errorf("classifier reported error: %v", msg)
	}

	var a watch.Analysis
	a.IsEcommerce = asBool(fields["isecommerce"])
	a.IsProductPage = asBool(fields["isproductpage"])
	a.IsOnSale = asBool(fields["isonsale"])
	a.IsAvailable = asBool(fields["isavailable"])
	a.Confidence = clamp01(asFloat(fields["confidence"]))
	a.ProductName = asString(fields["productname"])
	a.Price = asString(fields["price"])
	a.Currency = asString(fields["currency"])
	a.DiscountPercentage = asFloat(fields["discountpercentage"])
	a.DiscountDetails = asString(fields["discountdetails"])
	a.OtherInsights = asString(fields["otherinsights"])
	a.StockStatus = asString(fields["stockstatus"])
	a.AvailabilityDetails = asString(fields["availabilitydetails"])
	return a, nil
}

func normalizeKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range strings.ToLower(k) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// clamp01 maps a confidence into [0, 1]; percentages are scaled down.
func clamp01(f float64) float64 {
	if f > 1 && f <= 100 {
		f /= 100
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
