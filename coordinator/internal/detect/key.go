package detect

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/shopwatch/coordinator/internal/extract"
)

// DefaultCacheSize bounds the normalized-name cache.
const DefaultCacheSize = 10_000

var (
	modelCode = regexp.MustCompile(`[A-Z0-9]{8,}`)
	brackets  = regexp.MustCompile(`[\[「\(].*?[\]」\)]`)
	nonWord   = regexp.MustCompile(`[^\p{L}\p{N}_]`)
)

// noiseWords are listing decorations that change between scrapes of the
// same item. Longest first so "新着!!" wins over "新着".
var noiseWords = []string{"新着!!", "新着", "値下", "美品", "極上品", "良品", "並品"}

var noisePattern = buildNoisePattern(noiseWords)

func buildNoisePattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

// Keyer derives the normalized key of a record. Safe for concurrent use.
type Keyer struct {
	names *lru.Cache[string, string]
}

// NewKeyer returns a Keyer caching up to size normalized names.
func NewKeyer(size int) *Keyer {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		panic("detect: lru: " + err.Error())
	}
	return &Keyer{names: c}
}

// Key returns the first 8 hex chars of an md5 over, in priority order:
// an embedded 8+ char uppercase alphanumeric model code, the image URL
// without its query string, or the normalized name.
func (k *Keyer) Key(r extract.Record) string {
	if code := modelCode.FindString(strings.ToUpper(r.Name)); code != "" {
		return shortHash(code)
	}
	if r.ImageURL != "" {
		img, _, _ := strings.Cut(r.ImageURL, "?")
		return shortHash(img)
	}
	return shortHash(k.normalize(r.Name))
}

// normalize applies NFKC, drops bracketed text and noise words, lowercases
// and removes every non-word character.
func (k *Keyer) normalize(name string) string {
	if v, ok := k.names.Get(name); ok {
		return v
	}
	s := norm.NFKC.String(name)
	s = brackets.ReplaceAllString(s, "")
	s = noisePattern.ReplaceAllString(s, "")
	s = nonWord.ReplaceAllString(strings.ToLower(s), "")
	k.names.Add(name, s)
	return s
}

func shortHash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}
