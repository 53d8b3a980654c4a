// Package region evaluates per-channel geographic restrictions.
//
// The viewer region is taken from forwarding headers set by the proxy or
// CDN in front of amps; amps itself never geolocates.
package region

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

// headerOrder lists the request headers consulted for the viewer region,
// first non-empty value wins.
var headerOrder = []string{
	"X-Amps-Region",
	"X-Region",
	"CF-IPCountry",
	"X-Appengine-Country",
}

// FromRequest extracts the viewer region from r. Returns the uppercase
// ISO 3166-1 alpha-2 code, or "" when no header carries a valid one.
func FromRequest(r *http.Request) string {
	for _, h := range headerOrder {
		if v := r.Header.Get(h); v != "" {
			return Normalize(v)
		}
	}
	return ""
}

// Normalize uppercases s and validates it as an ISO 3166-1 country code.
// Invalid codes normalize to "" and are treated as an absent region.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	reg, err := language.ParseRegion(s)
	if err != nil || !reg.IsCountry() {
		return ""
	}
	return reg.String()
}

// Policy is a channel's region restriction set.
type Policy struct {
	Allowed []string
	Blocked []string
}

// Permits reports whether a viewer in the given region may play the
// channel. The block list is evaluated first. A non-empty allow list
// rejects viewers whose region is absent or not listed.
func (p Policy) Permits(viewer string) bool {
	for _, b := range p.Blocked {
		if viewer != "" && viewer == Normalize(b) {
			return false
		}
	}
	if len(p.Allowed) == 0 {
		return true
	}
	if viewer == "" {
		return false
	}
	for _, a := range p.Allowed {
		if viewer == Normalize(a) {
			return true
		}
	}
	return false
}

// Restricted reports whether the policy restricts anyone at all.
func (p Policy) Restricted() bool {
	return len(p.Allowed) > 0 || len(p.Blocked) > 0
}
