// Package extract turns scraper stdout into product records.
//
// Grammar, one record per line:
//
//	---URL_INDEX:<n>---          switches the url_index for following lines
//	<name> <price>円[||<image>]  product row
//
// Lines shorter than 10 characters and lines containing a log-noise keyword
// are ignored. Order of records follows order of lines.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxOutput is the largest stdout payload accepted, in characters.
const MaxOutput = 1_000_000

const (
	minLineLen  = 10
	minNameLen  = 3
	maxNameLen  = 200
	minPrice    = 100
	maxPrice    = 10_000_000
	imageSep    = "||"
	indexPrefix = "---URL_INDEX:"
)

// noiseKeywords are matched as case-insensitive substrings. A product
// name containing one (e.g. "Analog") is dropped as well.
var noiseKeywords = []string{
	"info", "error", "debug", "warning", "log", "traceback",
	"selenium", "driver", "browser", "playwright",
}

var (
	indexMarker   = regexp.MustCompile(`---URL_INDEX:(\d+)---`)
	pricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`([0-9,]+)\s*円`),
		regexp.MustCompile(`¥\s*([0-9,]+)`),
		regexp.MustCompile(`(\d{4,})\s*円`),
	}
	spaceRun = regexp.MustCompile(`\s+`)
	barRun   = regexp.MustCompile(`[|│]+`)
)

// Record is one product row. Immutable once built.
type Record struct {
	Name     string `json:"name"`
	Price    string `json:"price"`
	Site     string `json:"site"`
	URLIndex int    `json:"url_index"`
	ImageURL string `json:"img_url,omitempty"`
}

// Result is the outcome of one extraction.
type Result struct {
	Records []Record
}

// Count returns the number of records.
func (r Result) Count() int { return len(r.Records) }

// Success reports whether at least one record was extracted.
func (r Result) Success() bool { return len(r.Records) > 0 }

// ByURLIndex groups records by url_index, preserving order inside each
// group. The returned slice of indexes is in order of first appearance.
func (r Result) ByURLIndex() ([]int, map[int][]Record) {
	groups := make(map[int][]Record)
	var order []int
	for _, rec := range r.Records {
		if _, ok := groups[rec.URLIndex]; !ok {
			order = append(order, rec.URLIndex)
		}
		groups[rec.URLIndex] = append(groups[rec.URLIndex], rec)
	}
	return order, groups
}

// Extract parses raw stdout. site tags every record (the script id with
// its ".py" suffix removed). An oversized payload is an ErrOutputTooLarge.
func Extract(raw, site string) (Result, error) {
	if n := utf8.RuneCountInString(raw); n > MaxOutput {
		return Result{}, &ErrOutputTooLarge{Size: n, Limit: MaxOutput}
	}
	site = strings.TrimSuffix(site, ".py")

	var res Result
	if len(strings.TrimSpace(raw)) < minLineLen {
		return res, nil
	}

	urlIndex := 0
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if utf8.RuneCountInString(line) < minLineLen {
			continue
		}
		if strings.HasPrefix(line, indexPrefix) {
			if m := indexMarker.FindStringSubmatch(line); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil {
					urlIndex = n
				}
			}
			continue
		}
		if isNoise(line) {
			continue
		}
		if rec, ok := parseLine(line, site, urlIndex); ok {
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

func isNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range noiseKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func parseLine(line, site string, urlIndex int) (Record, bool) {
	text, image := line, ""
	if i := strings.Index(line, imageSep); i >= 0 {
		text = line[:i]
		image = line[i+len(imageSep):]
		// Only the segment right after the first separator is the image.
		if j := strings.Index(image, imageSep); j >= 0 {
			image = image[:j]
		}
	}

	price, ok := Price(text)
	if !ok {
		return Record{}, false
	}
	name := Name(text)
	if utf8.RuneCountInString(name) <= minNameLen {
		return Record{}, false
	}
	return Record{
		Name:     truncate(name, maxNameLen),
		Price:    strconv.Itoa(price),
		Site:     site,
		URLIndex: urlIndex,
		ImageURL: image,
	}, true
}

// Price returns the first in-range price found by trying each pattern in
// order. A pattern whose first match is out of range or unparseable yields
// to the next pattern.
func Price(text string) (int, bool) {
	for _, p := range pricePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			continue
		}
		if n >= minPrice && n <= maxPrice {
			return n, true
		}
	}
	return 0, false
}

// Name strips every price occurrence and bar character and collapses
// whitespace.
func Name(text string) string {
	for _, p := range pricePatterns {
		text = p.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
	return strings.TrimSpace(barRun.ReplaceAllString(text, " "))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
