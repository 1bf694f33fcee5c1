package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/playbaseball/gatekeeper/internal/auth"
	"github.com/playbaseball/gatekeeper/internal/config"
)

// KeyKind tags a Key as a verified member or an anonymous origin.
type KeyKind uint8

const (
	KindMember KeyKind = iota + 1
	KindAnonymous
)

func (k KeyKind) String() string {
	switch k {
	case KindMember:
		return "member"
	case KindAnonymous:
		return "anonymous"
	}
	return "unknown"
}

// Key identifies one rate-limit bucket. It is comparable and used directly
// as a map key.
type Key struct {
	Kind KeyKind
	ID   string
}

// Member returns the key of an authenticated subject.
func Member(subjectID string) Key { return Key{Kind: KindMember, ID: subjectID} }

// Anonymous returns the key of an unauthenticated origin fingerprint.
func Anonymous(fingerprint string) Key { return Key{Kind: KindAnonymous, ID: fingerprint} }

// String returns "member:<id>" or "anon:<fingerprint>".
func (k Key) String() string {
	switch k.Kind {
	case KindMember:
		return "member:" + k.ID
	case KindAnonymous:
		return "anon:" + k.ID
	}
	return "unknown:" + k.ID
}

const (
	loopbackCanonical = "127.0.0.1"
	noUserAgent       = "<none>"
	fingerprintBytes  = 16
)

// Resolver maps a request to exactly one Key. It never fails: anything that
// does not verify as a member falls back to the anonymous fingerprint.
type Resolver struct {
	validator auth.Validator
	strategy  config.KeyStrategyType
	trusted   []netip.Prefix
	onInvalid func(reason string)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithInvalidTokenHook is called with auth.InvalidReason for every bearer
// token that fails validation.
func WithInvalidTokenHook(fn func(reason string)) ResolverOption {
	return func(r *Resolver) { r.onInvalid = fn }
}

// NewResolver builds a Resolver. validator may be nil, in which case every
// request resolves anonymously.
func NewResolver(cfg config.KeyStrategyConfig, validator auth.Validator, opts ...ResolverOption) (*Resolver, error) {
	strategy := cfg.Type
	if strategy == "" {
		strategy = config.KeyStrategyMember
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown key strategy type %q", cfg.Type)
	}

	trusted := make([]netip.Prefix, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		trusted = append(trusted, p.Masked())
	}

	r := &Resolver{validator: validator, strategy: strategy, trusted: trusted}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ResolveRequest reads the Authorization, X-Forwarded-For and User-Agent
// headers and the peer address of req.
func (r *Resolver) ResolveRequest(req *http.Request) Key {
	return r.Resolve(
		req.Header.Get("Authorization"),
		req.RemoteAddr,
		req.Header.Get("X-Forwarded-For"),
		req.Header.Get("User-Agent"),
	)
}

// Resolve returns Member(subject) for a valid bearer token and
// Anonymous(fingerprint) for everything else.
func (r *Resolver) Resolve(authHeader, clientAddress, forwardedFor, userAgent string) Key {
	if r.strategy == config.KeyStrategyMember && r.validator != nil {
		if token, ok := bearerToken(authHeader); ok {
			claims, err := r.validator.Validate(token)
			if err == nil {
				return Member(claims.SubjectID)
			}
			if r.onInvalid != nil {
				r.onInvalid(auth.InvalidReason(err))
			}
		}
	}

	origin := r.originAddress(clientAddress, forwardedFor)
	return Anonymous(Fingerprint(origin, userAgent))
}

// originAddress picks the first X-Forwarded-For entry when it may be
// trusted and non-empty, else the peer address.
func (r *Resolver) originAddress(peer, forwardedFor string) string {
	if forwardedFor != "" && r.trustsForwarded(peer) {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return NormalizeAddress(first)
		}
	}
	return NormalizeAddress(peer)
}

func (r *Resolver) trustsForwarded(peer string) bool {
	if len(r.trusted) == 0 {
		return true
	}
	addr, ok := parseHost(peer)
	if !ok {
		return false
	}
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from "Bearer <token>"; the scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// parseHost strips an optional port and brackets and parses the address,
// unmapping IPv4-in-IPv6 forms.
func parseHost(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// NormalizeAddress canonicalizes an origin address: ports and zones are
// dropped, IPv4-mapped IPv6 is unmapped and every loopback form becomes
// 127.0.0.1. Unparseable input is returned trimmed.
func NormalizeAddress(s string) string {
	addr, ok := parseHost(s)
	if !ok {
		return strings.TrimSpace(s)
	}
	if addr.IsLoopback() {
		return loopbackCanonical
	}
	return addr.String()
}

// Fingerprint is the hex SHA-256 of "address NUL userAgent", truncated to
// 128 bits. An empty agent is replaced by a fixed sentinel.
func Fingerprint(address, userAgent string) string {
	if userAgent == "" {
		userAgent = noUserAgent
	}
	h := sha256.New()
	h.Write([]byte(address))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:fingerprintBytes])
}
