// Package snapshot persists the last known leader of every tracked site.
//
// Priority-1 scripts get one file per (script, url_index) so concurrently
// polled sites never contend; priority-2 scripts share p2_shared.json.
// Every file is a JSON object keyed by site key ("{display}_{category}").
// Writes go to "<file>.tmp", are fsynced, then renamed over the target.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SharedFile is the file holding every priority-2 site.
const SharedFile = "p2_shared.json"

// Entry is the remembered leader of one site.
type Entry struct {
	Key       string    `json:"first_product_key"`
	Name      string    `json:"first_product_name"`
	Price     string    `json:"first_product_price"`
	URL       string    `json:"first_product_url"`
	Timestamp Timestamp `json:"timestamp"`
}

// Timestamp is a local wall-clock time. It reads both RFC 3339 and the
// zone-less ISO form ("2006-01-02T15:04:05.999999") found in older files;
// an unparseable value decodes to the zero time instead of failing the file.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp { return Timestamp{t} }

var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// MarshalJSON writes RFC 3339 with nanoseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC 3339, the legacy layouts, "" and null.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range legacyLayouts {
		if v, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = v
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

// Location identifies where a site's entry lives.
type Location struct {
	Script   string
	URLIndex int
	Priority int
}

// FileName returns the snapshot file for a location.
func (l Location) FileName() string {
	if l.Priority != 1 {
		return SharedFile
	}
	safe := strings.TrimSuffix(l.Script, ".py")
	safe = strings.NewReplacer("/", "_", " ", "_").Replace(safe)
	return fmt.Sprintf("p1_%s_%d.json", safe, l.URLIndex)
}

// Store reads and writes snapshot files under one directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// beforeRename runs between fsync and rename. Tests use it to
	// simulate a crash mid-write.
	beforeRename func(tmp string) error
}

// New creates the directory if needed and returns a Store over it.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load returns the entry for site, or ok=false if the site was never
// recorded.
func (s *Store) Load(loc Location, site string) (Entry, bool, error) {
	path := filepath.Join(s.dir, loc.FileName())
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, err := s.readFile(path)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := data[site]
	return e, ok, nil
}

// Save writes the entry for site.
func (s *Store) Save(loc Location, site string, e Entry) error {
	return s.Update(loc, site, func(Entry, bool) (Entry, bool) { return e, true })
}

// Update runs fn with the current entry for site (ok=false if absent)
// while holding the file lock, and persists the returned entry when write
// is true. Load, compare and persist are atomic per file.
func (s *Store) Update(loc Location, site string, fn func(cur Entry, ok bool) (next Entry, write bool)) error {
	path := filepath.Join(s.dir, loc.FileName())
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, err := s.readFile(path)
	if err != nil {
		return err
	}
	cur, ok := data[site]
	next, write := fn(cur, ok)
	if !write {
		return nil
	}
	data[site] = next
	return s.writeFile(path, data)
}

// readFile returns an empty map for a missing file. A corrupt file is
// logged and treated as empty so the next save rewrites it.
func (s *Store) readFile(path string) (map[string]Entry, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]Entry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", filepath.Base(path), err)
	}
	data := make(map[string]Entry)
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("snapshot: corrupt file ignored", "file", filepath.Base(path), "error", err)
		return make(map[string]Entry), nil
	}
	return data, nil
}

func (s *Store) writeFile(path string, data map[string]Entry) (err error) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	tmp := path + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create tmp: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: close tmp: %w", err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmp); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Tracked is one stored entry with its origin.
type Tracked struct {
	Site     string `json:"site"`
	File     string `json:"file"`
	Priority int    `json:"priority"`
	Entry    Entry  `json:"entry"`
}

// All returns every entry of every snapshot file, P1 files first, sorted
// by file then site.
func (s *Store) All() ([]Tracked, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	var out []Tracked
	for _, name := range files {
		path := filepath.Join(s.dir, name)
		l := s.lockFor(path)
		l.Lock()
		data, err := s.readFile(path)
		l.Unlock()
		if err != nil {
			return nil, err
		}
		prio := 2
		if strings.HasPrefix(name, "p1_") {
			prio = 1
		}
		sites := make([]string, 0, len(data))
		for site := range data {
			sites = append(sites, site)
		}
		sort.Strings(sites)
		for _, site := range sites {
			out = append(out, Tracked{Site: site, File: name, Priority: prio, Entry: data[site]})
		}
	}
	return out, nil
}

func (s *Store) files() ([]string, error) {
	p1, err := filepath.Glob(filepath.Join(s.dir, "p1_*.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: glob: %w", err)
	}
	names := make([]string, 0, len(p1)+1)
	for _, p := range p1 {
		names = append(names, filepath.Base(p))
	}
	sort.Strings(names)
	if _, err := os.Stat(filepath.Join(s.dir, SharedFile)); err == nil {
		names = append(names, SharedFile)
	}
	return names, nil
}

// Stats summarises the snapshot directory.
type Stats struct {
	TotalSites int  `json:"total_sites"`
	P1Files    int  `json:"p1_files"`
	P2Shared   bool `json:"p2_shared"`
}

// Stats counts files and tracked sites.
func (s *Store) Stats() (Stats, error) {
	all, err := s.All()
	if err != nil {
		return Stats{}, err
	}
	files, err := s.files()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalSites: len(all)}
	for _, f := range files {
		if f == SharedFile {
			st.P2Shared = true
		} else {
			st.P1Files++
		}
	}
	return st, nil
}
