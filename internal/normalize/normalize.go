// Package normalize canonicalizes asset names so that the monitoring
// platform and the ticketing systems can be compared by exact equality on
// the normalized form. Normalized names are used only for approximate
// matching, never as identity.
package normalize

import (
	"regexp"
	"strings"
)

// Known domain suffixes appended by source systems. Checked longest-first
// against the end of the lowercased name.
var domainSuffixes = []string{
	".psegli.com",
	".internal",
	".domain",
	".local",
	".corp",
}

// Site and environment prefixes stripped only when followed by a
// separator: "srv-asm1" and "asm1" collapse, "pccqasasm1" stays intact.
var hostPrefix = regexp.MustCompile(`^(pcc|bcc|srv|wks|vm|host)[-_]`)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// AssetName canonicalizes an asset name: lowercase, trim, strip a known
// domain suffix and host-naming prefix, then drop every remaining
// character outside [a-z0-9]. Total and idempotent over all inputs; empty
// input yields the empty string.
func AssetName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return ""
	}

	for _, suffix := range domainSuffixes {
		if strings.HasSuffix(n, suffix) {
			n = strings.TrimSuffix(n, suffix)
			break
		}
	}

	n = hostPrefix.ReplaceAllString(n, "")

	return nonAlnum.ReplaceAllString(n, "")
}
