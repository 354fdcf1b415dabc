package browser

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Anchor is a link found in captured markup.
type Anchor struct {
	Name string
	Href string
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// NormalizeText collapses whitespace and drops non-printable characters the way a user would read
// the text.
func NormalizeText(text string) string {
	text = removeNonPrintable(strings.ReplaceAll(text, "\n", " "))
	text = strings.Trim(text, " \t")
	return innerWhitespace.ReplaceAllString(text, " ")
}

// Anchors returns every <a> in the markup.
func Anchors(markup string) ([]Anchor, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}
	anchors := []Anchor{}
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		anchors = append(anchors, Anchor{
			Name: NormalizeText(sel.Text()),
			Href: sel.AttrOr("href", ""),
		})
	})
	return anchors, nil
}

// Summary is a short human readable description of the page, it is meant for logs where the full
// markup would be too much.
func (d Diagnostics) Summary() string {
	anchors, err := Anchors(d.Markup)
	if err != nil {
		return fmt.Sprintf("url=%s title=%q (markup unparseable: %s)", d.Url, d.Title, err)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "url=%s title=%q markup=%dB screenshot=%dB anchors=%d", d.Url, d.Title, len(d.Markup), len(d.Screenshot), len(anchors))
	for i, a := range anchors {
		if i >= 10 {
			fmt.Fprintf(&out, " ...")
			break
		}
		fmt.Fprintf(&out, " [%q -> %s]", a.Name, a.Href)
	}
	return out.String()
}
