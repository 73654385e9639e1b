package cookies

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/publicsuffix"

	"shellbridge/internal/canon"
	"shellbridge/internal/logging"
)

// Observer receives one call per cookie operation ("attach", "set",
// "remove", "skip"). Metrics implement it.
type Observer interface {
	CookieOp(kind string)
}

// Synchronizer moves cookies between a Store and canonical requests and
// responses.
type Synchronizer struct {
	store    Store
	observer Observer
	now      func() time.Time
}

// NewSynchronizer wraps store. observer may be nil.
func NewSynchronizer(store Store, observer Observer) *Synchronizer {
	return &Synchronizer{store: store, observer: observer, now: time.Now}
}

func (s *Synchronizer) observe(kind string) {
	if s.observer != nil {
		s.observer.CookieOp(kind)
	}
}

// AttachCookies appends the store's cookies for req.URL to the Cookie header.
// An existing Cookie header is kept and joined with "; ". With no stored
// cookies the header is left untouched.
func (s *Synchronizer) AttachCookies(ctx context.Context, req *canon.Request) error {
	recs, err := s.store.Get(ctx, req.URL.String())
	if err != nil {
		return errors.Wrapf(err, "read cookies for %s", req.URL.Redacted())
	}
	if len(recs) == 0 {
		return nil
	}

	pairs := make([]string, len(recs))
	for i, rec := range recs {
		pairs[i] = rec.Name + "=" + rec.Value
	}
	stored := strings.Join(pairs, "; ")

	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if existing := strings.Join(req.Header.Values("Cookie"), "; "); existing != "" {
		stored = existing + "; " + stored
	}
	req.Header.Set("Cookie", stored)

	s.observe("attach")
	logging.CookiesDebug("attached %d cookies to %s", len(recs), req.URL.Path)
	return nil
}

// PersistSetCookies applies every Set-Cookie value in header, in order.
// Expired cookies are removed; malformed or foreign-domain cookies are
// logged and skipped. Only store failures are returned.
func (s *Synchronizer) PersistSetCookies(ctx context.Context, header http.Header, requestURL *url.URL) error {
	values := header.Values("Set-Cookie")
	if len(values) == 0 {
		return nil
	}
	now := s.now()
	for _, value := range values {
		for _, raw := range SplitSetCookie(value) {
			rec, err := ParseRecord(raw, requestURL, now)
			if err != nil {
				logging.CookiesWarn("skipping Set-Cookie %q: %v", raw, err)
				s.observe("skip")
				continue
			}

			if rec.Expired(now) {
				if err := s.store.Remove(ctx, rec.URL, rec.Name); err != nil {
					return errors.Wrapf(err, "remove cookie %s", rec.Name)
				}
				s.observe("remove")
				logging.CookiesDebug("removed expired cookie %s", rec.Name)
				continue
			}

			if err := s.store.Set(ctx, rec); err != nil {
				return errors.Wrapf(err, "set cookie %s", rec.Name)
			}
			s.observe("set")
			logging.CookiesDebug("stored cookie %s for %s", rec.Name, rec.Domain)
		}
	}
	return nil
}

// ParseRecord parses one Set-Cookie string received from requestURL. The
// value is kept exactly as sent: surrounding quotes and characters outside
// the RFC 6265 cookie-octet set survive the round trip.
func ParseRecord(raw string, requestURL *url.URL, now time.Time) (Record, error) {
	pair, attrs, hasAttrs := strings.Cut(raw, ";")
	name, value, ok := strings.Cut(pair, "=")
	if !ok {
		return Record{}, errors.Newf("missing '=' in %q", pair)
	}
	attributesOnly := name + "="
	if hasAttrs {
		attributesOnly += ";" + attrs
	}
	c, err := http.ParseSetCookie(attributesOnly)
	if err != nil {
		return Record{}, err
	}
	c.Value = strings.TrimSpace(value)

	host := canonicalHost(requestURL.Hostname())
	rec := Record{
		URL:      requestURL.String(),
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		SameSite: sameSiteOf(c.SameSite),
	}

	if c.Domain == "" {
		rec.Domain = host
		rec.HostOnly = true
	} else {
		domain := canonicalHost(strings.TrimPrefix(c.Domain, "."))
		if domain != host {
			if suffix, _ := publicsuffix.PublicSuffix(domain); suffix == domain {
				return Record{}, errors.Newf("domain %q is a public suffix", domain)
			}
		}
		if !domainMatch(host, domain) {
			return Record{}, errors.Newf("domain %q does not match host %q", domain, host)
		}
		rec.Domain = domain
	}

	if rec.Path == "" || rec.Path[0] != '/' {
		rec.Path = defaultPath(requestURL)
	}

	switch {
	case c.MaxAge < 0:
		rec.Expires = time.Unix(0, 0)
	case c.MaxAge > 0:
		rec.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	case !c.Expires.IsZero():
		rec.Expires = c.Expires
	}
	return rec, nil
}

// sameSiteOf translates the attribute the way shell cookie stores expect:
// lower-cased, with "none" spelled "no_restriction". Absent or unknown
// values are "unspecified".
func sameSiteOf(parsed http.SameSite) SameSite {
	switch parsed {
	case http.SameSiteLaxMode:
		return SameSiteLax
	case http.SameSiteStrictMode:
		return SameSiteStrict
	case http.SameSiteNoneMode:
		return SameSiteNoRestriction
	}
	return SameSiteUnspecified
}
