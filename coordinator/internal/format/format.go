// Package format renders new-item notifications as ChatWork markup.
package format

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/shopwatch/coordinator/internal/extract"
)

// MaxItems is how many items one message lists.
const MaxItems = 20

// hardOffWatchIndex is the HardOff url_index whose listings keep the
// classic layout.
const hardOffWatchIndex = 5

var codePattern = regexp.MustCompile(`\[([^\]]+)\]`)

// Site describes where the items come from.
type Site struct {
	Display  string
	Category string
	URL      string
	URLIndex int
}

// IsHardOff reports whether the site is a HardOff store.
func (s Site) IsHardOff() bool {
	return strings.Contains(s.Display, "ハードオフ") || strings.Contains(strings.ToLower(s.URL), "hardoff")
}

// codeFirst reports whether item lines lead with the bracketed product code.
func (s Site) codeFirst() bool {
	return s.IsHardOff() && s.URLIndex != hardOffWatchIndex
}

// NewItems builds the notification for items found on site.
func NewItems(site Site, items []extract.Record) string {
	var b strings.Builder
	b.WriteString("[info]")
	b.WriteString("━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "🔔 %s + %s\n", site.Display, site.Category)
	b.WriteString("┣━━━━━━━━━━━━━━━━━━━┫\n")
	fmt.Fprintf(&b, "🔗 %s\n", site.URL)
	b.WriteString("┣━━━━━━━━━━━━━━━━━━━┫\n\n")

	codeFirst := site.codeFirst()
	for _, it := range items[:min(MaxItems, len(items))] {
		if codeFirst {
			b.WriteString(hardOffLine(it))
		} else {
			b.WriteString(classicLine(it))
		}
	}
	if len(items) > MaxItems {
		fmt.Fprintf(&b, "...他%d件\n", len(items)-MaxItems)
	}
	b.WriteString("━━━━━━━━━━━━━━━━━━━[/info]")
	return b.String()
}

func priceText(p string) string {
	if p == "" || p == "0" {
		return "お問い合わせ"
	}
	return p + "円"
}

func classicLine(it extract.Record) string {
	return fmt.Sprintf("▪ %s・%s\n\n", it.Name, priceText(it.Price))
}

// hardOffLine moves a "[CODE]" out of the name to the front:
// "CANON IXY [IXY 650]" becomes "■【IXY 650・34800円】CANON IXY".
func hardOffLine(it extract.Record) string {
	m := codePattern.FindStringSubmatch(it.Name)
	if m == nil {
		return classicLine(it)
	}
	rest := strings.TrimSpace(codePattern.ReplaceAllString(it.Name, ""))
	return fmt.Sprintf("■【%s・%s】%s\n\n", m[1], priceText(it.Price), rest)
}
