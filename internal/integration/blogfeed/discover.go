package blogfeed

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedLinkTypes はフィードとして扱う<link>のtype属性。Atomを優先する。
var feedLinkTypes = map[string]int{
	"application/atom+xml": 2,
	"application/rss+xml":  1,
}

// looksLikeFeed はContent-Typeとボディ先頭からRSS/Atomかを判定する。
func looksLikeFeed(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	switch strings.ToLower(mediaType) {
	case "application/rss+xml", "application/atom+xml", "application/feed+json":
		return true
	case "text/html", "application/xhtml+xml":
		return false
	}
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	prefix := strings.ToLower(string(head))
	return strings.Contains(prefix, "<rss") ||
		strings.Contains(prefix, "<rdf:rdf") ||
		(strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom"))
}

// discoverFeedURL はHTMLの<head>内の rel="alternate" リンクからフィードURLを探す。
// 同一ホストのリンクを優先し、その中ではAtomをRSSより優先する。見つからない場合は空文字。
func discoverFeedURL(page []byte, pageURL string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	best, bestScore := "", 0
	z := html.NewTokenizer(bytes.NewReader(page))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return best
		case html.EndTagToken:
			if tn, _ := z.TagName(); string(tn) == "head" {
				return best
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			switch string(tn) {
			case "head":
				inHead = true
				continue
			case "body":
				return best
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, typ, href string
			for {
				k, v, more := z.TagAttr()
				switch strings.ToLower(string(k)) {
				case "rel":
					rel = strings.ToLower(string(v))
				case "type":
					typ = strings.ToLower(string(v))
				case "href":
					href = string(v)
				}
				if !more {
					break
				}
			}
			weight, ok := feedLinkTypes[typ]
			if rel != "alternate" || href == "" || !ok {
				continue
			}
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			resolved := base.ResolveReference(ref)
			score := weight
			if strings.EqualFold(resolved.Hostname(), base.Hostname()) {
				score += 10
			}
			if score > bestScore {
				best, bestScore = resolved.String(), score
			}
		}
	}
}
