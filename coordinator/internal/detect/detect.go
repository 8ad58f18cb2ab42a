// Package detect finds records that appeared above a site's remembered
// leader. Only the leader is remembered, so state stays constant per site.
package detect

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/shopwatch/coordinator/internal/extract"
	"github.com/hazyhaar/shopwatch/coordinator/internal/snapshot"
)

// MaxNew caps how many records are reported when the old leader vanished.
const MaxNew = 20

// Kind classifies what a detection found.
type Kind int

const (
	KindEmpty      Kind = iota // no records scraped, nothing stored
	KindFirstSeen              // no prior snapshot; leader recorded silently
	KindUnchanged              // same leader; timestamp touched
	KindInserted               // old leader found lower in the list
	KindLeaderLost             // old leader absent; top MaxNew reported
	KindNoop                   // old leader found at position 0 under a different key
)

func (k Kind) String() string {
	switch k {
	case KindFirstSeen:
		return "first_seen"
	case KindUnchanged:
		return "unchanged"
	case KindInserted:
		return "inserted"
	case KindLeaderLost:
		return "leader_lost"
	case KindNoop:
		return "noop"
	default:
		return "empty"
	}
}

// Snapshots is the part of snapshot.Store the detector needs.
type Snapshots interface {
	Update(loc snapshot.Location, site string, fn func(cur snapshot.Entry, ok bool) (snapshot.Entry, bool)) error
}

// Input is one site's freshly scraped, ordered list.
type Input struct {
	Site     string // "{display}_{category}"
	Location snapshot.Location
	URL      string
	Records  []extract.Record
}

// Result is the outcome of Detect.
type Result struct {
	Kind     Kind
	New      []extract.Record
	Previous snapshot.Entry
	Position int // position of the old leader, -1 if absent
}

// Detector compares scrapes against remembered leaders.
type Detector struct {
	store  Snapshots
	keyer  *Keyer
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock used for snapshot timestamps.
func WithClock(fn func() time.Time) Option { return func(d *Detector) { d.now = fn } }

// New creates a Detector over store.
func New(store Snapshots, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{store: store, now: time.Now, logger: logger, keyer: NewKeyer(DefaultCacheSize)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Keyer returns the detector's key function.
func (d *Detector) Keyer() *Keyer { return d.keyer }

// Detect returns the records inserted above the remembered leader and
// persists current[0] as the new leader. The first observation of a site
// and an unchanged leader both return no records.
func (d *Detector) Detect(in Input) (Result, error) {
	if len(in.Records) == 0 {
		d.logger.Warn("detect: no records", "site", in.Site)
		return Result{Kind: KindEmpty, Position: -1}, nil
	}

	var res Result
	err := d.store.Update(in.Location, in.Site, func(prev snapshot.Entry, ok bool) (snapshot.Entry, bool) {
		res = d.compare(in, prev, ok)
		return d.leaderEntry(in), true
	})
	if err != nil {
		return Result{Kind: KindEmpty, Position: -1}, err
	}
	d.log(in, res)
	return res, nil
}

func (d *Detector) compare(in Input, prev snapshot.Entry, ok bool) Result {
	res := Result{Previous: prev, Position: -1}
	if !ok {
		res.Kind = KindFirstSeen
		return res
	}

	if d.keyer.Key(in.Records[0]) == prev.Key {
		res.Kind = KindUnchanged
		res.Position = 0
		return res
	}

	for i, r := range in.Records {
		if d.keyer.Key(r) == prev.Key {
			res.Position = i
			break
		}
	}

	switch {
	case res.Position < 0:
		res.Kind = KindLeaderLost
		res.New = in.Records[:min(MaxNew, len(in.Records))]
	case res.Position == 0:
		// Unreachable unless two keys collide; treated as nothing new.
		res.Kind = KindNoop
	default:
		res.Kind = KindInserted
		res.New = in.Records[:res.Position]
	}
	return res
}

// leaderEntry builds the entry stored for current[0]. For an unchanged
// leader the stored key, name and price are rewritten with identical
// values, so only the timestamp moves.
func (d *Detector) leaderEntry(in Input) snapshot.Entry {
	first := in.Records[0]
	return snapshot.Entry{
		Key:       d.keyer.Key(first),
		Name:      first.Name,
		Price:     first.Price,
		URL:       in.URL,
		Timestamp: snapshot.At(d.now()),
	}
}

func (d *Detector) log(in Input, res Result) {
	switch res.Kind {
	case KindFirstSeen:
		d.logger.Info("detect: first run, leader recorded",
			"site", in.Site, "name", clip(in.Records[0].Name, 50), "price", in.Records[0].Price,
			"file", in.Location.FileName())
	case KindUnchanged:
		d.logger.Debug("detect: leader unchanged", "site", in.Site)
	case KindInserted:
		d.logger.Info("detect: new items above leader",
			"site", in.Site, "new", len(res.New), "previous", clip(res.Previous.Name, 50),
			"previous_now_at", res.Position+1)
	case KindLeaderLost:
		d.logger.Info("detect: previous leader gone",
			"site", in.Site, "new", len(res.New), "previous", clip(res.Previous.Name, 50))
	case KindNoop:
		d.logger.Warn("detect: leader at position 0 with different key", "site", in.Site)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
