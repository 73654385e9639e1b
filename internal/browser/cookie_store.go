package browser

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"shellbridge/internal/cookies"
)

// CookieStore keeps cookies in Chrome's own jar. It lets pages see the
// same cookies the bridge attaches.
type CookieStore struct {
	page *rod.Page
}

var (
	_ cookies.Store  = (*CookieStore)(nil)
	_ cookies.Lister = (*CookieStore)(nil)
)

// NewCookieStore returns a store backed by the page's browser context.
func NewCookieStore(page *rod.Page) *CookieStore {
	return &CookieStore{page: page}
}

// Get implements cookies.Store.
func (s *CookieStore) Get(ctx context.Context, rawURL string) ([]cookies.Record, error) {
	res, err := proto.NetworkGetCookies{Urls: []string{rawURL}}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "get cookies for %s", rawURL)
	}
	out := make([]cookies.Record, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		out = append(out, recordFromCDP(c, rawURL))
	}
	return out, nil
}

// Set implements cookies.Store.
func (s *CookieStore) Set(ctx context.Context, rec cookies.Record) error {
	res, err := setCookieParams(rec).Call(s.page.Context(ctx))
	if err != nil {
		return errors.Wrapf(err, "set cookie %s", rec.Name)
	}
	if !res.Success {
		return errors.Newf("browser rejected cookie %s for %s", rec.Name, rec.URL)
	}
	return nil
}

// Remove implements cookies.Store. Chrome's deleteCookies also matches on
// path, so every matching cookie is deleted individually.
func (s *CookieStore) Remove(ctx context.Context, rawURL, name string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "parse cookie url %q", rawURL)
	}
	all, err := s.page.Browser().Context(ctx).GetCookies()
	if err != nil {
		return errors.Wrap(err, "list browser cookies")
	}
	for _, c := range all {
		if !recordFromCDP(c, rawURL).RemovedBy(u, name) {
			continue
		}
		err := proto.NetworkDeleteCookies{
			Name:   c.Name,
			Domain: c.Domain,
			Path:   c.Path,
		}.Call(s.page.Context(ctx))
		if err != nil {
			return errors.Wrapf(err, "delete cookie %s", c.Name)
		}
	}
	return nil
}

// All implements cookies.Lister.
func (s *CookieStore) All(ctx context.Context) ([]cookies.Record, error) {
	all, err := s.page.Browser().Context(ctx).GetCookies()
	if err != nil {
		return nil, errors.Wrap(err, "list browser cookies")
	}
	out := make([]cookies.Record, 0, len(all))
	for _, c := range all {
		out = append(out, recordFromCDP(c, originOf(c)))
	}
	return out, nil
}

// Clear implements cookies.Lister.
func (s *CookieStore) Clear(ctx context.Context) error {
	return errors.Wrap(s.page.Browser().Context(ctx).SetCookies(nil), "clear browser cookies")
}

func originOf(c *proto.NetworkCookie) string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimPrefix(c.Domain, ".") + c.Path
}

// recordFromCDP converts a Chrome cookie. Chrome marks domain cookies with
// a leading dot; anything else is host-only.
func recordFromCDP(c *proto.NetworkCookie, rawURL string) cookies.Record {
	rec := cookies.Record{
		URL:      rawURL,
		Name:     c.Name,
		Value:    c.Value,
		Domain:   strings.TrimPrefix(c.Domain, "."),
		HostOnly: !strings.HasPrefix(c.Domain, "."),
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: sameSiteFromCDP(c.SameSite),
	}
	if !c.Session {
		rec.Expires = c.Expires.Time()
	}
	return rec
}

func setCookieParams(rec cookies.Record) proto.NetworkSetCookie {
	p := proto.NetworkSetCookie{
		Name:     rec.Name,
		Value:    rec.Value,
		URL:      rec.URL,
		Path:     rec.Path,
		Secure:   rec.Secure,
		HTTPOnly: rec.HTTPOnly,
		SameSite: sameSiteToCDP(rec.SameSite),
	}
	if !rec.HostOnly {
		p.Domain = rec.Domain
	}
	if !rec.Session() {
		p.Expires = proto.TimeSinceEpoch(float64(rec.Expires.UnixNano()) / float64(time.Second))
	}
	return p
}

func sameSiteToCDP(s cookies.SameSite) proto.NetworkCookieSameSite {
	switch s {
	case cookies.SameSiteStrict:
		return proto.NetworkCookieSameSiteStrict
	case cookies.SameSiteLax:
		return proto.NetworkCookieSameSiteLax
	case cookies.SameSiteNoRestriction:
		return proto.NetworkCookieSameSiteNone
	default:
		return ""
	}
}

func sameSiteFromCDP(s proto.NetworkCookieSameSite) cookies.SameSite {
	switch s {
	case proto.NetworkCookieSameSiteStrict:
		return cookies.SameSiteStrict
	case proto.NetworkCookieSameSiteLax:
		return cookies.SameSiteLax
	case proto.NetworkCookieSameSiteNone:
		return cookies.SameSiteNoRestriction
	default:
		return cookies.SameSiteUnspecified
	}
}
