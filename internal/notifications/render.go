package notifications

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Renderer turns a Markdown template into sanitised HTML.
type Renderer struct {
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
}

// NewRenderer configures goldmark with GitHub flavoured Markdown and a UGC sanitiser.
func NewRenderer() *Renderer {
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(true)
	return &Renderer{
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:   policy,
	}
}

// Substitute replaces {{name}} placeholders. Unknown names render as empty strings.
func Substitute(text string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// HTML renders Markdown and strips anything the sanitiser does not allow.
func (r *Renderer) HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("notifications: render markdown: %w", err)
	}
	return strings.TrimSpace(r.policy.Sanitize(buf.String())), nil
}

var currencyLocales = map[string]language.Tag{
	"GBP": language.BritishEnglish,
	"EUR": language.German,
	"USD": language.AmericanEnglish,
}

// FormatMoney renders amount in the currency's customary locale, e.g. "£ 80.00".
// Unparseable input is returned unchanged.
func FormatMoney(amount, code string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return amount
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return value.StringFixed(2)
	}
	tag, ok := currencyLocales[code]
	if !ok {
		tag = language.English
	}
	f, _ := value.Round(2).Float64()
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(f)))
}
