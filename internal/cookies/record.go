// Package cookies keeps a host-managed cookie store consistent with the
// Cookie and Set-Cookie headers of bridged requests.
package cookies

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"time"
)

// SameSite mirrors the values a shell cookie store understands.
type SameSite string

const (
	SameSiteUnspecified   SameSite = "unspecified"
	SameSiteNoRestriction SameSite = "no_restriction"
	SameSiteLax           SameSite = "lax"
	SameSiteStrict        SameSite = "strict"
)

// Record is one stored cookie.
type Record struct {
	// URL is the request URL the cookie was set from.
	URL      string    `json:"url"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	HostOnly bool      `json:"host_only"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"` // zero = session cookie
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
	SameSite SameSite  `json:"same_site"`
	Created  time.Time `json:"created"`
}

// Session reports whether the record has no expiry.
func (r Record) Session() bool {
	return r.Expires.IsZero()
}

// Expired reports whether the expiry is strictly before now.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && r.Expires.Before(now)
}

// key identifies a record within a store: same domain, path and name replace.
func (r Record) key() string {
	return r.Domain + "\x00" + r.Path + "\x00" + r.Name
}

// Matches reports whether r should be sent with a request to u.
func (r Record) Matches(u *url.URL, now time.Time) bool {
	if r.Expired(now) {
		return false
	}
	host := canonicalHost(u.Hostname())
	if r.HostOnly {
		if host != r.Domain {
			return false
		}
	} else if !domainMatch(host, r.Domain) {
		return false
	}
	if !pathMatch(requestPath(u), r.Path) {
		return false
	}
	if r.Secure && !secureOrigin(u) {
		return false
	}
	return true
}

func canonicalHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(h), ".")
}

// domainMatch implements RFC 6265 section 5.1.3.
func domainMatch(host, domain string) bool {
	if host == domain {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// defaultPath implements RFC 6265 section 5.1.4's default-path.
func defaultPath(u *url.URL) string {
	p := u.Path
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// secureOrigin reports whether Secure cookies may be sent to u. Loopback
// hosts count as secure, as they do in browsers.
func secureOrigin(u *url.URL) bool {
	if u.Scheme == "https" || u.Scheme == "wss" {
		return true
	}
	host := canonicalHost(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// candidateDomains lists host and each parent domain, most specific first.
// Persistent stores use it to narrow reads.
func candidateDomains(host string) []string {
	host = canonicalHost(host)
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	out := []string{host}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
		out = append(out, host)
	}
}

// sortForHeader orders records as RFC 6265 section 5.4 step 2 asks:
// longer paths first, then earlier creation.
func sortForHeader(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if len(recs[i].Path) != len(recs[j].Path) {
			return len(recs[i].Path) > len(recs[j].Path)
		}
		return recs[i].Created.Before(recs[j].Created)
	})
}
