// Package geo derives a visitor's country from CDN geolocation headers.
// The relay never does IP lookups itself: Cloudflare and Vercel both stamp
// the two-letter ISO country code on proxied requests, so geolocation stays
// an external concern and this package only normalizes the result.
package geo

import (
	"net/http"
	"strings"
)

// Headers checked for the ISO 3166-1 alpha-2 country code, in order.
var countryHeaders = []string{
	"CF-IPCountry",
	"X-Vercel-IP-Country",
	"X-Country-Code",
}

// Info holds the normalized geolocation for one connection.
type Info struct {
	Country string // ISO 3166-1 alpha-2, upper case; empty if unknown
	Flag    string // flag emoji for Country; empty if unknown
}

// FromRequest extracts geolocation info from the upgrade request headers.
// Unknown or placeholder codes ("XX", "T1" for Tor exits) yield a zero Info.
func FromRequest(r *http.Request) Info {
	for _, h := range countryHeaders {
		code := normalize(r.Header.Get(h))
		if code != "" {
			return Info{Country: code, Flag: FlagEmoji(code)}
		}
	}
	return Info{}
}

// normalize upper-cases a raw header value and rejects anything that is not
// a plausible alpha-2 country code.
func normalize(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 2 {
		return ""
	}
	// Cloudflare uses XX for unknown and T1 for Tor.
	if code == "XX" || code == "T1" {
		return ""
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ""
		}
	}
	return code
}

// FlagEmoji converts an upper-case alpha-2 country code to its flag emoji by
// mapping each letter onto the Unicode regional indicator block. Returns an
// empty string for input that is not two ASCII letters.
func FlagEmoji(code string) string {
	if len(code) != 2 {
		return ""
	}
	const base = 0x1F1E6 // REGIONAL INDICATOR SYMBOL LETTER A
	runes := make([]rune, 0, 2)
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ""
		}
		runes = append(runes, base+r-'A')
	}
	return string(runes)
}
