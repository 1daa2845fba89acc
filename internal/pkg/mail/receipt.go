package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// Receipt is the data rendered into a payment receipt email.
type Receipt struct {
	Email           string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
}

var receiptTemplate = template.Must(template.New("receipt").Parse(`<html><body>
<p>Thanks for your payment.</p>
<table>
<tr><td>Amount</td><td>{{.Amount}}</td></tr>
<tr><td>Reference</td><td>{{.Reference}}</td></tr>
</table>
<p>Your plan is active now. If something looks wrong, reply to this email.</p>
</body></html>`))

// ReceiptSubject is the subject line of receipt emails.
const ReceiptSubject = "Your PropDocs payment receipt"

// FormatAmount renders minor units as "12.34 EUR".
func FormatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, strings.ToUpper(currency))
}

// RenderReceipt returns the HTML body for r.
func RenderReceipt(r Receipt) (string, error) {
	var buf bytes.Buffer
	err := receiptTemplate.Execute(&buf, struct {
		Amount    string
		Reference string
	}{
		Amount:    FormatAmount(r.AmountCents, r.Currency),
		Reference: r.PaymentIntentID,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
