// Package shops holds the declarative list of scraper targets: which
// script serves which site page, at what priority, and where its
// notifications go.
package shops

import (
	"sort"

	"github.com/hazyhaar/shopwatch/horosafe"
)

// URLConfig is one row of the shop file. A script may own several rows,
// one per url_index.
type URLConfig struct {
	Script       string   `json:"py_file"`
	DisplayName  string   `json:"display_name"`
	Category     string   `json:"category"`
	URL          string   `json:"scraping_url"`
	URLIndex     int      `json:"url_index"`
	Priority     int      `json:"priority"`
	Active       bool     `json:"is_active"`
	Destinations []string `json:"destinations,omitempty"`
}

// SiteKey is the snapshot key of the row.
func (c URLConfig) SiteKey() string { return c.DisplayName + "_" + c.Category }

// Store answers read queries over a loaded shop list. It is immutable.
type Store struct {
	dir      string
	byScript map[string][]URLConfig
	priority map[string]int
	scripts  []string
}

// New indexes rows. dir is the directory scripts are resolved against.
// Inactive rows are dropped.
func New(dir string, rows []URLConfig) *Store {
	s := &Store{
		dir:      dir,
		byScript: make(map[string][]URLConfig),
		priority: make(map[string]int),
	}
	for _, r := range rows {
		if !r.Active {
			continue
		}
		if _, ok := s.byScript[r.Script]; !ok {
			s.scripts = append(s.scripts, r.Script)
		}
		s.byScript[r.Script] = append(s.byScript[r.Script], r)
		if p, ok := s.priority[r.Script]; !ok || r.Priority < p {
			s.priority[r.Script] = r.Priority
		}
	}
	for _, list := range s.byScript {
		sort.SliceStable(list, func(i, j int) bool { return list[i].URLIndex < list[j].URLIndex })
	}
	sort.Strings(s.scripts)
	return s
}

// Open loads path and indexes it against dir.
func Open(path, dir string, opts LoadOptions) (*Store, error) {
	rows, err := LoadFile(path, opts)
	if err != nil {
		return nil, err
	}
	return New(dir, rows), nil
}

// Scripts returns every active script, sorted.
func (s *Store) Scripts() []string {
	return append([]string(nil), s.scripts...)
}

// Active returns the active scripts of a tier: priority 1, or everything
// above 1 when priority > 1.
func (s *Store) Active(priority int) []string {
	var out []string
	for _, sc := range s.scripts {
		p := s.priority[sc]
		if (priority <= 1 && p <= 1) || (priority > 1 && p > 1) {
			out = append(out, sc)
		}
	}
	return out
}

// URLConfigs returns the active rows of script ordered by url_index.
func (s *Store) URLConfigs(script string) []URLConfig {
	return append([]URLConfig(nil), s.byScript[script]...)
}

// URLConfig returns the row of script for urlIndex.
func (s *Store) URLConfig(script string, urlIndex int) (URLConfig, bool) {
	for _, c := range s.byScript[script] {
		if c.URLIndex == urlIndex {
			return c, true
		}
	}
	return URLConfig{}, false
}

// Priority returns the tier of script; unknown scripts are tier 2.
func (s *Store) Priority(script string) int {
	if p, ok := s.priority[script]; ok {
		return p
	}
	return 2
}

// Path resolves script inside the script directory.
func (s *Store) Path(script string) (string, error) {
	return horosafe.SafePath(s.dir, script)
}
