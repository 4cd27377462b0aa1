// Package policy implements the network egress enforcer: deny-list
// evaluation (private ranges, loopback), allow-list pattern matching,
// and the default verdict. Deny always wins over allow.
package policy

import (
	"errors"
	"net"
	"strings"
)

// ErrHostDenied is returned when a destination host fails policy.
var ErrHostDenied = errors.New("policy: host denied")

// Verdict carries the outcome and, on denial, a human-readable reason
// that never includes secret material.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Config mirrors eryx.NetConfig; kept distinct so the policy package has
// no import-cycle dependency on the public package.
type Config struct {
	Permissive     bool
	AllowedHosts   []string
	AllowLocalhost bool
	AllowPrivate   bool
}

// Enforcer evaluates guest-initiated network operations against a Config.
type Enforcer struct {
	cfg Config
}

func New(cfg Config) *Enforcer {
	return &Enforcer{cfg: cfg}
}

// Evaluate applies explicit denies first (private ranges unless
// re-enabled), then the allow-list match, then the default verdict.
func (e *Enforcer) Evaluate(hostport string) Verdict {
	host := hostOnly(hostport)

	if isLoopback(host) {
		if !e.cfg.AllowLocalhost {
			return Verdict{Allowed: false, Reason: "loopback blocked"}
		}
	} else if isPrivateIP(host) {
		if !e.cfg.AllowPrivate {
			return Verdict{Allowed: false, Reason: "private range blocked"}
		}
	}

	for _, pattern := range e.cfg.AllowedHosts {
		if matchGlob(pattern, host) {
			return Verdict{Allowed: true}
		}
	}

	if e.cfg.Permissive {
		return Verdict{Allowed: true}
	}
	return Verdict{Allowed: false, Reason: "host not in allow-list"}
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		if host == "localhost" {
			return true
		}
		return false
	}
	return ip.IsLoopback()
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIP(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		// Non-literal hostnames are not resolved here; the dialer's own
		// resolution is what ultimately connects, and its resulting IP is
		// what callers should re-check before trusting the connection.
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// matchGlob supports an exact match or a dot-anchored "*.suffix" wildcard
// matching one or more labels.
func matchGlob(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		// "*.suffix" requires at least one label before the suffix.
		return len(host) > len(suffix)
	}
	return pattern == host
}
