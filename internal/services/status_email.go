package services

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/keymarket/api/internal/domain"
	"github.com/keymarket/api/internal/platform/mailer"
)

const defaultEmailLocale = "vi"

var statusEmailTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html><body>
<p>Hi {{.Name}},</p>
{{if .Completed}}<p>Your order <strong>{{.Number}}</strong> is complete. Your license keys are below.</p>
{{range .Licenses}}<h3>{{.Product}}{{if .Variant}} ({{.Variant}}){{end}}</h3>
<ul>{{range .Keys}}<li><code>{{.}}</code></li>{{end}}</ul>
{{end}}{{else}}<p>Your order <strong>{{.Number}}</strong> is now <strong>{{.Status}}</strong>.</p>
{{end}}<p>Order total: {{.Total}}</p>
{{if .Link}}<p><a href="{{.Link}}">View your order</a></p>{{end}}
</body></html>
`))

type statusEmailLicense struct {
	Product string
	Variant string
	Keys    []string
}

type statusEmailData struct {
	Name      string
	Number    string
	Status    string
	Completed bool
	Licenses  []statusEmailLicense
	Total     string
	Link      string
}

// StatusEmailRenderer builds status notifications and emails for committed status changes.
type StatusEmailRenderer struct {
	printer *message.Printer
	baseURL string
	strict  *bluemonday.Policy
}

// NewStatusEmailRenderer formats amounts for locale and links orders under baseURL.
func NewStatusEmailRenderer(locale, baseURL string) (*StatusEmailRenderer, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = defaultEmailLocale
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return nil, fmt.Errorf("status email: invalid locale %q: %w", locale, err)
	}
	return &StatusEmailRenderer{
		printer: message.NewPrinter(tag),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		strict:  bluemonday.StrictPolicy(),
	}, nil
}

// NotificationMessage returns the in-app message and link for the change.
func (r *StatusEmailRenderer) NotificationMessage(change StatusChange) (string, string) {
	orderNumber := r.plain(change.Order.DisplayNumber())
	var msg string
	switch change.Status {
	case domain.OrderStatusCompleted:
		msg = fmt.Sprintf("Order %s is complete. Your license keys are ready.", orderNumber)
	case domain.OrderStatusCancelled:
		msg = fmt.Sprintf("Order %s was cancelled.", orderNumber)
	default:
		msg = fmt.Sprintf("Order %s is now %s.", orderNumber, strings.ToLower(change.Status.Label()))
	}
	return msg, r.orderLink(change.Order.ID)
}

// Render builds the status email. Completion emails list every delivered key.
func (r *StatusEmailRenderer) Render(change StatusChange) (mailer.Message, error) {
	to := strings.TrimSpace(change.Order.CustomerEmail)
	if to == "" {
		return mailer.Message{}, errors.New("status email: order has no customer email")
	}

	data := statusEmailData{
		Name:      r.plain(change.Order.CustomerName),
		Number:    r.plain(change.Order.DisplayNumber()),
		Status:    change.Status.Label(),
		Completed: change.Status == domain.OrderStatusCompleted,
		Total:     r.FormatAmount(change.Order.Totals.Total, change.Order.Currency),
		Link:      r.orderLink(change.Order.ID),
	}
	if data.Name == "" {
		data.Name = "there"
	}
	for _, assignment := range change.Assignments {
		data.Licenses = append(data.Licenses, statusEmailLicense{
			Product: r.plain(assignment.ProductName),
			Variant: r.plain(assignment.VariantName),
			Keys:    assignment.Keys,
		})
	}

	var body bytes.Buffer
	if err := statusEmailTemplate.Execute(&body, data); err != nil {
		return mailer.Message{}, fmt.Errorf("status email: render: %w", err)
	}

	subject := fmt.Sprintf("Order %s: %s", data.Number, data.Status)
	if data.Completed {
		subject = fmt.Sprintf("Your license keys for order %s", data.Number)
	}
	return mailer.Message{
		To:      to,
		ToName:  data.Name,
		Subject: subject,
		HTML:    body.String(),
		Text:    r.plainText(data),
	}, nil
}

// FormatAmount renders an amount held in the currency's smallest unit, e.g. "1,234,000 ₫"
// for VND under an English locale.
func (r *StatusEmailRenderer) FormatAmount(amount int64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		unit = currency.MustParseISO("VND")
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(amount)
	for i := 0; i < scale; i++ {
		value /= 10
	}
	formatted := r.printer.Sprint(number.Decimal(value, number.Scale(scale)))
	symbol := r.printer.Sprint(currency.Symbol(unit))
	return formatted + " " + symbol
}

func (r *StatusEmailRenderer) plainText(data statusEmailData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", data.Name)
	if data.Completed {
		fmt.Fprintf(&b, "Your order %s is complete. Your license keys:\n", data.Number)
		for _, license := range data.Licenses {
			fmt.Fprintf(&b, "\n%s", license.Product)
			if license.Variant != "" {
				fmt.Fprintf(&b, " (%s)", license.Variant)
			}
			b.WriteString("\n")
			for _, key := range license.Keys {
				fmt.Fprintf(&b, "  %s\n", key)
			}
		}
	} else {
		fmt.Fprintf(&b, "Your order %s is now %s.\n", data.Number, data.Status)
	}
	fmt.Fprintf(&b, "\nOrder total: %s\n", data.Total)
	if data.Link != "" {
		fmt.Fprintf(&b, "View your order: %s\n", data.Link)
	}
	return b.String()
}

// plain strips markup from stored text. html/template escapes the result again on output.
func (r *StatusEmailRenderer) plain(value string) string {
	return strings.TrimSpace(html.UnescapeString(r.strict.Sanitize(value)))
}

func (r *StatusEmailRenderer) orderLink(orderID string) string {
	if r.baseURL == "" || strings.TrimSpace(orderID) == "" {
		return ""
	}
	return r.baseURL + "/account/orders/" + orderID
}
