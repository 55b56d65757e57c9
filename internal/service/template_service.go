// internal/service/template_service.go
package service

import (
	"math"
	"strconv"
	"strings"

	"github.com/unclebandit/campaign-dashboard/internal/model"
)

const DefaultFallbackName = "Cliente"

// RenderTemplate replaces every [key] in template with data[key].
func RenderTemplate(template string, data map[string]string) string {
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "["+k+"]", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// TemplateService fills campaign templates from a record.
type TemplateService struct {
	// FallbackName stands in for [name] and [fullName] when the record has
	// no display name.
	FallbackName string
}

// Render substitutes [name], [fullName], [birthDate], [dueDate] and
// [amount]. Dates render as dd/mm/yyyy and amounts as R$ 1.234,56.
func (t TemplateService) Render(template string, rec model.Record) string {
	fallback := t.FallbackName
	if fallback == "" {
		fallback = DefaultFallbackName
	}

	full := strings.Join(strings.Fields(rec.DisplayName), " ")
	first := fallback
	if full == "" {
		full = fallback
	} else {
		first = strings.Fields(full)[0]
	}

	data := map[string]string{
		"name":      first,
		"fullName":  full,
		"birthDate": "",
		"dueDate":   "",
		"amount":    "",
	}
	if rec.BirthDate != nil {
		data["birthDate"] = rec.BirthDate.Format("02/01/2006")
	}
	if rec.DueDate != nil {
		data["dueDate"] = rec.DueDate.Format("02/01/2006")
	}
	if rec.Amount != nil {
		data["amount"] = FormatBRL(*rec.Amount)
	}
	return RenderTemplate(template, data)
}

// MessageFor returns the record's own message, or the rendered template
// when it has none.
func (t TemplateService) MessageFor(template string, rec model.Record) string {
	if rec.MessageBody != nil && strings.TrimSpace(*rec.MessageBody) != "" {
		return *rec.MessageBody
	}
	return t.Render(template, rec)
}

// FormatBRL renders an amount in reais, e.g. R$ 1.234,56.
func FormatBRL(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	cents := int64(math.Round(amount * 100))
	whole := strconv.FormatInt(cents/100, 10)

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return sign + "R$ " + b.String() + "," + leftPad2(cents%100)
}

func leftPad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
