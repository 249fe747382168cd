package access

import (
	"fmt"
	"net/netip"
	"strings"
)

// ipAllowed reports whether clientIP matches the allowlist. An empty list
// allows everything. Entries are exact addresses or CIDR blocks.
func ipAllowed(allowed []string, clientIP string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil && other == addr {
			return true
		}
	}
	return false
}

// domainAllowed reports whether domain matches the allowlist. An empty list
// allows everything. Entries are exact names or "*." wildcards covering any
// subdomain depth.
func domainAllowed(allowed []string, domain string) bool {
	if len(allowed) == 0 {
		return true
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSuffix(entry, "."))
		if wild, ok := strings.CutPrefix(entry, "*."); ok {
			if domain == wild || strings.HasSuffix(domain, "."+wild) {
				return true
			}
			continue
		}
		if domain == entry {
			return true
		}
	}
	return false
}

// validateIPEntries rejects allowlist entries that parse as neither an
// address nor a CIDR block.
func validateIPEntries(entries []string) error {
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return fmt.Errorf("invalid CIDR entry %q", entry)
			}
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("invalid IP entry %q", entry)
		}
	}
	return nil
}

// validateDomainEntries rejects empty or malformed domain entries.
func validateDomainEntries(entries []string) error {
	for _, entry := range entries {
		name := strings.TrimPrefix(entry, "*.")
		if name == "" || strings.Contains(name, "*") || strings.ContainsAny(name, " /") {
			return fmt.Errorf("invalid domain entry %q", entry)
		}
	}
	return nil
}
