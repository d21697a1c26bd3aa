// Package extract pulls structured identifiers out of free-text fields.
// The monitoring platform embeds change-ticket numbers in exception
// comments and vendor patch identifiers in patch columns; these fixed
// lexical shapes are the primary evidence for correlation.
package extract

import (
	"regexp"
	"strings"
)

var (
	// Ticket numbers are a three-letter prefix followed by exactly ten
	// digits, e.g. CHG0000338290.
	ticketPattern = regexp.MustCompile(`(?i)\b[A-Z]{3}\d{10}\b`)

	// Vendor patch identifiers are a two-letter prefix followed by six or
	// seven digits, e.g. KB5062070.
	patchPattern = regexp.MustCompile(`(?i)\b[A-Z]{2}\d{6,7}\b`)
)

// TicketIDs returns every ticket identifier in text, uppercased, in
// first-occurrence order. Repeated mentions are kept: downstream treats
// them as evidence, not noise. Empty input yields an empty result, never
// an error.
func TicketIDs(text string) []string {
	return matchAll(ticketPattern, text)
}

// PatchIDs returns every vendor patch identifier in text, uppercased, in
// first-occurrence order, duplicates preserved.
func PatchIDs(text string) []string {
	return matchAll(patchPattern, text)
}

func matchAll(pattern *regexp.Regexp, text string) []string {
	if text == "" {
		return nil
	}
	matches := pattern.FindAllString(text, -1)
	for i, m := range matches {
		matches[i] = strings.ToUpper(m)
	}
	return matches
}
