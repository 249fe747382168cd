package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPAllowed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		allowed []string
		ip      string
		want    bool
	}{
		{"empty list allows all", nil, "203.0.113.7", true},
		{"exact match", []string{"203.0.113.7"}, "203.0.113.7", true},
		{"exact mismatch", []string{"203.0.113.7"}, "203.0.113.8", false},
		{"cidr match", []string{"10.0.0.0/8"}, "10.42.1.9", true},
		{"cidr mismatch", []string{"10.0.0.0/8"}, "192.168.1.1", false},
		{"mixed entries", []string{"192.168.1.1", "10.0.0.0/8"}, "10.1.2.3", true},
		{"ipv6 exact", []string{"2001:db8::1"}, "2001:db8::1", true},
		{"ipv6 cidr", []string{"2001:db8::/32"}, "2001:db8:1::9", true},
		{"garbage client ip", []string{"10.0.0.0/8"}, "not-an-ip", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ipAllowed(tc.allowed, tc.ip))
		})
	}
}

func TestDomainAllowed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		allowed []string
		domain  string
		want    bool
	}{
		{"empty list allows all", nil, "api.example.com", true},
		{"exact match", []string{"api.example.com"}, "api.example.com", true},
		{"exact mismatch", []string{"api.example.com"}, "web.example.com", false},
		{"wildcard subdomain", []string{"*.example.com"}, "api.example.com", true},
		{"wildcard deep subdomain", []string{"*.example.com"}, "a.b.example.com", true},
		{"wildcard covers apex", []string{"*.example.com"}, "example.com", true},
		{"wildcard other domain", []string{"*.example.com"}, "example.org", false},
		{"case insensitive", []string{"API.Example.COM"}, "api.example.com", true},
		{"trailing dot normalized", []string{"api.example.com"}, "api.example.com.", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, domainAllowed(tc.allowed, tc.domain))
		})
	}
}

func TestValidateEntries(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateIPEntries([]string{"10.0.0.1", "10.0.0.0/8", "2001:db8::/32"}))
	assert.Error(t, validateIPEntries([]string{"10.0.0.999"}))
	assert.Error(t, validateIPEntries([]string{"10.0.0.0/99"}))

	assert.NoError(t, validateDomainEntries([]string{"api.example.com", "*.example.com"}))
	assert.Error(t, validateDomainEntries([]string{"*."}))
	assert.Error(t, validateDomainEntries([]string{"a.*.example.com"}))
	assert.Error(t, validateDomainEntries([]string{""}))
}
