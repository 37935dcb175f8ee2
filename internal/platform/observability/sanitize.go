package observability

import (
	"net/http"
	"strings"
	"unicode"
)

const (
	maxRouteRunes  = 180
	maxActorRunes  = 64
	maxOrderRunes  = 64
	otherMethod    = "OTHER"
	unmatchedRoute = "unmatched"
)

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// clean drops control characters and cuts the result to limit runes.
func clean(value string, limit int) string {
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a chi route pattern. Requests that matched no route share one label.
func SanitizeRoute(route string) string {
	route = clean(strings.TrimSpace(route), maxRouteRunes)
	if route == "" {
		return unmatchedRoute
	}
	return route
}

// SanitizeMethod maps anything outside the standard verbs to OTHER.
func SanitizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return otherMethod
}

// SanitizeActorID bounds the caller-supplied actor header.
func SanitizeActorID(actor string) string {
	return clean(strings.TrimSpace(actor), maxActorRunes)
}

// SanitizeOrderID bounds order ids taken from URL parameters before they are logged.
func SanitizeOrderID(orderID string) string {
	return clean(strings.TrimSpace(orderID), maxOrderRunes)
}
