package geo

import (
	"net/http/httptest"
	"testing"
)

func TestFlagEmoji(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{"US", "🇺🇸"},
		{"GB", "🇬🇧"},
		{"JP", "🇯🇵"},
		{"", ""},
		{"USA", ""},
		{"U1", ""},
	}
	for _, c := range cases {
		if got := FlagEmoji(c.code); got != c.want {
			t.Errorf("FlagEmoji(%q): expected %q, got %q", c.code, c.want, got)
		}
	}
}

func TestFromRequest_Cloudflare(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("CF-IPCountry", "de")

	info := FromRequest(r)
	if info.Country != "DE" {
		t.Errorf("expected country DE, got %q", info.Country)
	}
	if info.Flag != "🇩🇪" {
		t.Errorf("expected 🇩🇪, got %q", info.Flag)
	}
}

func TestFromRequest_VercelFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Vercel-IP-Country", "BR")

	info := FromRequest(r)
	if info.Country != "BR" {
		t.Errorf("expected country BR, got %q", info.Country)
	}
}

func TestFromRequest_UnknownPlaceholders(t *testing.T) {
	for _, code := range []string{"XX", "T1", "??", ""} {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("CF-IPCountry", code)

		info := FromRequest(r)
		if info.Country != "" || info.Flag != "" {
			t.Errorf("code %q: expected zero Info, got %+v", code, info)
		}
	}
}
