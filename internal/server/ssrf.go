package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// blockedCIDRs are special-use ranges webhooks must never reach.
var blockedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",       // "This" network (RFC 1122)
		"10.0.0.0/8",      // Private-Use (RFC 1918)
		"100.64.0.0/10",   // Shared Address / CGN (RFC 6598)
		"127.0.0.0/8",     // Loopback (RFC 1122)
		"169.254.0.0/16",  // Link-Local (RFC 3927)
		"172.16.0.0/12",   // Private-Use (RFC 1918)
		"192.0.0.0/24",    // IETF Protocol Assignments (RFC 6890)
		"192.0.2.0/24",    // TEST-NET-1 (RFC 5737)
		"192.168.0.0/16",  // Private-Use (RFC 1918)
		"198.18.0.0/15",   // Benchmarking (RFC 2544)
		"198.51.100.0/24", // TEST-NET-2 (RFC 5737)
		"203.0.113.0/24",  // TEST-NET-3 (RFC 5737)
		"224.0.0.0/4",     // Multicast (RFC 5771)
		"240.0.0.0/4",     // Reserved (RFC 1112)
		"::1/128",         // IPv6 Loopback
		"fc00::/7",        // IPv6 Unique Local (RFC 4193)
		"fe80::/10",       // IPv6 Link-Local (RFC 4291)
		"2001:db8::/32",   // IPv6 Documentation (RFC 3849)
		"2001::/32",       // Teredo (RFC 4380), embeds IPv4
		"2002::/16",       // 6to4 (RFC 3056), embeds IPv4
		"64:ff9b::/96",    // NAT64 (RFC 6052), embeds IPv4
		"ff00::/8",        // IPv6 Multicast (RFC 4291)
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}()

func isBlockedIP(ip net.IP) bool {
	// IPv4-mapped IPv6 must match the IPv4 ranges.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// looksLikeAlternativeIP detects hex, octal and packed decimal hosts that
// some HTTP stacks resolve to addresses net.ParseIP does not recognise.
func looksLikeAlternativeIP(host string) bool {
	if len(host) > 2 && (host[:2] == "0x" || host[:2] == "0X") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		for _, p := range parts {
			if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
				return true
			}
			if len(p) > 1 && p[0] == '0' && isAllDigits(p) {
				return true
			}
		}
	}
	return isAllDigits(host)
}

func isAllDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidateHost rejects alternative IP encodings and blocked literal IPs.
func ValidateHost(host string) error {
	if looksLikeAlternativeIP(host) {
		return errors.New("host uses alternative IP encoding")
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return fmt.Errorf("host %s is in a blocked IP range", host)
	}
	return nil
}

// validateWebhookURL is the pre-DNS check. safeDialContext repeats it on
// the resolved addresses.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	if u.Hostname() == "" {
		return errors.New("webhook URL has no host")
	}
	return ValidateHost(u.Hostname())
}

// safeDialContext resolves the host, rejects blocked addresses and dials the
// validated IP directly so a second lookup cannot rebind it.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if isBlockedIP(ip.IP) {
			return nil, fmt.Errorf("blocked: %s resolves to %s (private/reserved range)", host, ip.IP)
		}
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}
