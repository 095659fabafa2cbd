package guardrail

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/agent-gate/agentgate-go/internal/config"
	"github.com/agent-gate/agentgate-go/internal/contracts"
)

// blockedPrefixes are the networks a web fetch may never reach, regardless
// of network mode: loopback, RFC1918, link-local (including the AWS
// metadata range), and their IPv6 counterparts.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.100.100.200/32"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// metadataHosts are cloud metadata endpoints reachable by name.
var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"kubernetes.default.svc":   true,
	"100.100.100.200":          true,
}

// FetchPolicy is the unconditional pre-hook for web-fetch tools. The
// blocked-network check always runs; only the allow-list depends on the
// network mode.
type FetchPolicy struct {
	mode    config.NetworkMode
	allowed []string
	blocked []string
	logger  *zap.Logger

	// resolve is swappable in tests.
	resolve func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewFetchPolicy builds the pre-hook from the network configuration.
func NewFetchPolicy(netCfg config.NetworkConfig, logger *zap.Logger) *FetchPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchPolicy{
		mode:    netCfg.Mode,
		allowed: netCfg.AdditionalDomains,
		blocked: netCfg.BlockedDomains,
		logger:  logger.Named("webfetch"),
		resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// CheckURL vets one fetch target. The order is scheme, name block-lists,
// literal-address check, allow-list, then resolve-and-check so a DNS name
// cannot smuggle a private address past the policy.
func (p *FetchPolicy) CheckURL(ctx context.Context, rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Deny(contracts.KindBadRequest, "url_unparseable", "the URL could not be parsed")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Deny(contracts.KindForbiddenHost, "scheme_not_http",
			"only http and https URLs can be fetched")
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return Deny(contracts.KindBadRequest, "url_missing_host", "the URL has no host")
	}

	if metadataHosts[host] || host == "localhost" {
		return Deny(contracts.KindForbiddenHost, "metadata_host",
			"this host is a blocked infrastructure endpoint")
	}
	for _, b := range p.blocked {
		if hostMatches(host, b) {
			return Deny(contracts.KindForbiddenHost, "operator_blocked",
				"this host is blocked by operator policy")
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return Deny(contracts.KindForbiddenHost, "private_address",
				"this address is in a blocked network range")
		}
		return p.checkAllowList(host)
	}

	if d := p.checkAllowList(host); d.Action != ActionAllow {
		return d
	}

	// Resolve and check every address. Resolution failure is a deny: a
	// host the broker cannot place is a host it will not fetch.
	addrs, err := p.resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return Deny(contracts.KindForbiddenHost, "resolve_failed",
			"the host could not be resolved")
	}
	for _, addr := range addrs {
		if isBlockedAddr(addr.Unmap()) {
			return Deny(contracts.KindForbiddenHost, "private_address",
				"this host resolves into a blocked network range")
		}
	}
	return Allow()
}

// checkAllowList applies the operator allow-list in strict mode. The
// permissive and open modes skip the list; the blocked-network checks
// above have already run and never get skipped.
func (p *FetchPolicy) checkAllowList(host string) Decision {
	switch p.mode {
	case config.NetworkModeStrict:
		for _, a := range p.allowed {
			if hostMatches(host, a) {
				return Allow()
			}
		}
		return Deny(contracts.KindForbiddenHost, "not_in_allow_list",
			"this host is not in the allowed domain list")
	case config.NetworkModePermissive:
		if !p.inAllowList(host) {
			p.logger.Info("fetch outside allow-list permitted", zap.String("host", host))
		}
		return Allow()
	default:
		return Allow()
	}
}

func (p *FetchPolicy) inAllowList(host string) bool {
	for _, a := range p.allowed {
		if hostMatches(host, a) {
			return true
		}
	}
	return false
}

// hostMatches supports exact names and wildcard-prefix patterns. The
// pattern "*.example.com" matches example.com and any subdomain of it.
func hostMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == rest || strings.HasSuffix(host, "."+rest)
	}
	return host == pattern
}

func isBlockedAddr(addr netip.Addr) bool {
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
