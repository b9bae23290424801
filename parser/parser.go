// Package parser holds text helpers for MediaWiki URLs, titles and export XML.
package parser

import (
	"html"
	"regexp"
	"strings"
)

var (
	prefixStrip   = regexp.MustCompile(`(https?://|www\.|/index\.php.*|/api\.php.*)`)
	prefixInvalid = regexp.MustCompile(`[^A-Za-z0-9]`)
	titleTag      = regexp.MustCompile(`<title>([^<]+)</title>`)
	timestampTag  = regexp.MustCompile(`<timestamp>([^<]+)</timestamp>`)
	ipv4          = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
)

// WikiPrefix derives the file name prefix of a wiki from its API or index URL,
// e.g. https://wiki.example.org/w/api.php -> wikiexampleorg_w.
func WikiPrefix(api, index string) string {
	source := api
	if source == "" {
		source = index
	}
	domain := strings.ToLower(strings.TrimSpace(source))
	domain = prefixStrip.ReplaceAllString(domain, "")
	domain = strings.TrimRight(domain, "/")
	domain = strings.ReplaceAll(domain, "/", "_")
	domain = strings.ReplaceAll(domain, ".", "")
	domain = prefixInvalid.ReplaceAllString(domain, "_")
	if domain == "" {
		return "wiki"
	}
	return domain
}

// PageFragment returns the text from the first <page> to the last </page>
// inclusive, newline terminated. ok is false when the document holds no
// complete page element.
func PageFragment(xml string) (fragment string, ok bool) {
	start := strings.Index(xml, "<page>")
	end := strings.LastIndex(xml, "</page>")
	if start < 0 || end < start {
		return "", false
	}
	fragment = xml[start : end+len("</page>")]
	// keep the export's two-space indentation of <page>
	if start >= 2 && xml[start-2:start] == "  " {
		fragment = "  " + fragment
	}
	return fragment + "\n", true
}

// Header returns everything before the first <page> element, or before the
// closing </mediawiki> when the document holds no page.
func Header(xml string) (string, bool) {
	if i := strings.Index(xml, "<page>"); i >= 0 {
		return strings.TrimRight(xml[:i], " "), true
	}
	if i := strings.Index(xml, "</mediawiki>"); i >= 0 {
		return xml[:i], true
	}
	return "", false
}

// Titles extracts the unescaped <title> values of an XML fragment in order.
func Titles(xml string) []string {
	matches := titleTag.FindAllStringSubmatch(xml, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, UnescapeTitle(m[1]))
	}
	return out
}

// LastTimestamp returns the last <timestamp> value of a fragment.
func LastTimestamp(xml string) string {
	matches := timestampTag.FindAllStringSubmatch(xml, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

// CountRevisions counts <revision> elements in a fragment.
func CountRevisions(xml string) int {
	return strings.Count(xml, "<revision>")
}

// UnescapeTitle undoes XML/HTML entity escaping of a title.
func UnescapeTitle(s string) string {
	return html.UnescapeString(strings.TrimSpace(s))
}

// NormalizeTitle converts underscores to spaces and trims surrounding space,
// matching how MediaWiki displays titles.
func NormalizeTitle(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "_", " "))
}

// Revisions returns the <revision> elements of a page fragment with their
// indentation, newline terminated, or "" when there are none.
func Revisions(xml string) string {
	start := strings.Index(xml, "<revision>")
	end := strings.LastIndex(xml, "</revision>")
	if start < 0 || end < start {
		return ""
	}
	start = strings.LastIndex(xml[:start], "\n") + 1
	return xml[start:end+len("</revision>")] + "\n"
}

// SplitPages returns the <page> elements of a fragment, each with its leading
// indentation and trailing newline.
func SplitPages(fragment string) []string {
	var pages []string
	for {
		start := strings.Index(fragment, "<page>")
		if start < 0 {
			return pages
		}
		end := strings.Index(fragment[start:], "</page>")
		if end < 0 {
			return pages
		}
		end += start + len("</page>")
		if end < len(fragment) && fragment[end] == '\n' {
			end++
		}
		start = strings.LastIndex(fragment[:start], "\n") + 1
		pages = append(pages, fragment[start:end])
		fragment = fragment[end:]
	}
}

// CountPages counts <page> elements in a fragment.
func CountPages(xml string) int {
	return strings.Count(xml, "<page>")
}

// RedactIPs replaces IPv4 addresses in a saved HTML page with 0.0.0.0 so the
// visitor address the wiki echoes back does not end up in the archive.
func RedactIPs(page string) string {
	return ipv4.ReplaceAllString(page, "0.0.0.0")
}
