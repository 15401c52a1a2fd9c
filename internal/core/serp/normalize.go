// Package serp turns provider search-result payloads into ranking entries.
package serp

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const TypeOrganic = "organic"

// Entry is one normalized ranking row.
type Entry struct {
	Rank        int    `json:"rank"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Domain      string `json:"domain"`
	Type        string `json:"type"`
}

type item struct {
	Type         string `json:"type"`
	RankGroup    int    `json:"rank_group"`
	RankAbsolute int    `json:"rank_absolute"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Domain       string `json:"domain"`
}

// ExtractRankingEntries returns the organic entries in raw. It never fails:
// an unreadable or empty payload yields an empty (non-nil) slice.
func ExtractRankingEntries(raw []byte) []Entry {
	rs, err := Decode(raw)
	if err != nil {
		return []Entry{}
	}
	return Normalize(rs)
}

// Normalize maps the organic items of every container into entries, in
// payload order. Items that fail to decode or carry no URL are skipped.
func Normalize(rs ResultSet) []Entry {
	out := []Entry{}
	for _, c := range rs.Containers() {
		for _, rawItem := range c.Items {
			var it item
			if err := json.Unmarshal(rawItem, &it); err != nil {
				continue
			}
			if it.Type != TypeOrganic {
				continue
			}
			u := strings.TrimSpace(it.URL)
			if u == "" {
				continue
			}
			rank := it.RankGroup
			if rank <= 0 {
				rank = it.RankAbsolute
			}
			if rank <= 0 {
				rank = len(out) + 1
			}
			domain := NormalizeDomain(it.Domain)
			if domain == "" {
				domain = domainFromURL(u)
			}
			out = append(out, Entry{
				Rank:        rank,
				URL:         u,
				Title:       cleanText(it.Title),
				Description: cleanText(it.Description),
				Domain:      domain,
				Type:        TypeOrganic,
			})
		}
	}
	return out
}

// DomainRank returns the rank of the first entry on domain or one of its
// subdomains.
func DomainRank(entries []Entry, domain string) (int, bool) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return 0, false
	}
	for _, e := range entries {
		if e.Domain == domain || strings.HasSuffix(e.Domain, "."+domain) {
			return e.Rank, true
		}
	}
	return 0, false
}

// NormalizeDomain lowercases d and strips a scheme, path and leading "www.".
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return ""
	}
	if strings.Contains(d, "://") {
		return domainFromURL(d)
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimPrefix(d, "www.")
}

func domainFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// cleanText strips markup the provider sometimes leaves in snippets and
// collapses whitespace.
func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
