package region

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"us", "US"},
		{" GB ", "GB"},
		{"DE", "DE"},
		{"", ""},
		{"XX", ""},     // user-assigned, not a country
		{"utopia", ""}, // not a code at all
		{"ZZ", ""},     // unknown region placeholder
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestFromRequestHeaderOrder(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream/1", nil)
	r.Header.Set("CF-IPCountry", "FR")
	r.Header.Set("X-Amps-Region", "us")

	// X-Amps-Region wins over CF-IPCountry.
	assert.Equal(t, "US", FromRequest(r))
}

func TestFromRequestFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream/1", nil)
	assert.Equal(t, "", FromRequest(r))

	r.Header.Set("X-Appengine-Country", "jp")
	assert.Equal(t, "JP", FromRequest(r))
}

func TestFromRequestInvalidHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream/1", nil)
	r.Header.Set("X-Region", "not-a-region")
	assert.Equal(t, "", FromRequest(r))
}

func TestPolicyPermits(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		viewer string
		want   bool
	}{
		{"no restrictions", Policy{}, "", true},
		{"no restrictions with region", Policy{}, "US", true},
		{"blocked", Policy{Blocked: []string{"US"}}, "US", false},
		{"blocked lowercase config", Policy{Blocked: []string{"us"}}, "US", false},
		{"not blocked", Policy{Blocked: []string{"US"}}, "GB", true},
		{"block list ignores absent region", Policy{Blocked: []string{"US"}}, "", true},
		{"allowed", Policy{Allowed: []string{"GB", "IE"}}, "IE", true},
		{"not allowed", Policy{Allowed: []string{"GB", "IE"}}, "US", false},
		{"allow list needs a region", Policy{Allowed: []string{"GB"}}, "", false},
		{"blocked wins over allowed", Policy{Allowed: []string{"US"}, Blocked: []string{"US"}}, "US", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Permits(tt.viewer))
		})
	}
}

func TestPolicyRestricted(t *testing.T) {
	assert.False(t, Policy{}.Restricted())
	assert.True(t, Policy{Allowed: []string{"US"}}.Restricted())
	assert.True(t, Policy{Blocked: []string{"US"}}.Restricted())
}
