package dispatcher

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

var alertTemplate = template.Must(template.New("alert").Parse(`<html>
<body>
<p>Hi {{.Greeting}},</p>
<p><strong>{{.Product}}</strong> {{.Event}}.</p>
{{- if .Detail}}
<p>{{.Detail}}</p>
{{- end}}
<p><a href="{{.URL}}">{{.URL}}</a></p>
<p>This watch has been paused. Subscribe again to keep watching.</p>
</body>
</html>
`))

type alertData struct {
	Greeting string
	Product  string
	Event    string
	Detail   string
	URL      string
}

// compose builds the alert for one subscriber of a qualifying result.
func compose(kind watch.Kind, pending watch.PendingResult, sub watch.Subscriber) (watch.Message, error) {
	a := pending.Result.Analysis
	product := strings.TrimSpace(a.ProductName)
	if product == "" {
		product = "A product you watch"
	}
	greeting := sub.DisplayName
	if greeting == "" {
		greeting = sub.Email
	}
	data := alertData{
		Greeting: greeting,
		Product:  product,
		Event:    kind.Event,
		Detail:   detail(a),
		URL:      pending.Target.URL,
	}
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, data); err != nil {
		return watch.Message{}, fmt.Errorf("render alert: %w", err)
	}
	return watch.Message{
		To:      sub.Email,
		ToName:  sub.DisplayName,
		Subject: fmt.Sprintf("%s %s", product, kind.Event),
		HTML:    buf.String(),
	}, nil
}

func detail(a watch.Analysis) string {
	var parts []string
	if a.Price != "" {
		price := a.Price
		if a.Currency != "" {
			price = a.Currency + " " + price
		}
		parts = append(parts, "Price: "+price)
	}
	if a.DiscountPercentage > 0 {
		parts = append(parts, fmt.Sprintf("%.0f%% off", a.DiscountPercentage))
	}
	if a.DiscountDetails != "" {
		parts = append(parts, a.DiscountDetails)
	}
	if a.StockStatus != "" {
		parts = append(parts, "Stock: "+a.StockStatus)
	}
	if a.AvailabilityDetails != "" {
		parts = append(parts, a.AvailabilityDetails)
	}
	return strings.Join(parts, " · ")
}
