// Package report builds the periodic snapshot freshness report.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/shopwatch/coordinator/internal/snapshot"
)

// DefaultThreshold is the age above which a site counts as stale.
const DefaultThreshold = 30 * time.Minute

// Status is the freshness of one tracked site.
type Status struct {
	Site     string  `json:"site"`
	Priority string  `json:"priority"` // "P1" or "P2"
	File     string  `json:"file"`
	Elapsed  float64 `json:"elapsed_minutes"`
	Fresh    bool    `json:"fresh"`
}

// Report is the freshness of every tracked site at one instant.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Fresh       []Status  `json:"fresh"`
	Stale       []Status  `json:"stale"` // most elapsed first
	Total       int       `json:"total"`
	Skipped     int       `json:"skipped"`
}

// Generate classifies every entry as fresh or stale relative to now.
// Entries without a usable timestamp are counted in Skipped.
func Generate(entries []snapshot.Tracked, now time.Time, threshold time.Duration) Report {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r := Report{GeneratedAt: now}
	for _, e := range entries {
		if e.Entry.Timestamp.IsZero() {
			r.Skipped++
			continue
		}
		elapsed := now.Sub(e.Entry.Timestamp.Time)
		st := Status{
			Site:     e.Site,
			Priority: fmt.Sprintf("P%d", e.Priority),
			File:     e.File,
			Elapsed:  elapsed.Minutes(),
			Fresh:    elapsed <= threshold,
		}
		if st.Fresh {
			r.Fresh = append(r.Fresh, st)
		} else {
			r.Stale = append(r.Stale, st)
		}
	}
	r.Total = len(r.Fresh) + len(r.Stale)
	sort.SliceStable(r.Stale, func(i, j int) bool { return r.Stale[i].Elapsed > r.Stale[j].Elapsed })
	return r
}

var rule = strings.Repeat("=", 40)

// Format renders r as a chat message.
func Format(r Report) string {
	var b strings.Builder
	b.WriteString("[info]")
	b.WriteString(rule + "\n")
	b.WriteString("📊 全URLタイムスタンプレポート\n")
	fmt.Fprintf(&b, "🕐 %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))
	b.WriteString(rule + "\n\n")

	b.WriteString("【統計】\n")
	fmt.Fprintf(&b, "✅ 新鮮: %d件 (30分以内)\n", len(r.Fresh))
	fmt.Fprintf(&b, "⚠️ 古い: %d件 (30分超過)\n", len(r.Stale))
	fmt.Fprintf(&b, "📁 総計: %dサイト\n\n", r.Total)

	if len(r.Stale) > 0 {
		fmt.Fprintf(&b, "【⚠️ 更新が古いサイト: %d件】\n", len(r.Stale))
		for _, s := range r.Stale {
			fmt.Fprintf(&b, "  ⚠️ [%s] %s: %s\n", s.Priority, s.Site, Elapsed(s.Elapsed))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("✅ 全サイト正常更新中\n\n")
	}

	b.WriteString(rule + "\n")
	b.WriteString("[/info]")
	return b.String()
}

// Elapsed renders minutes as "N分前" under an hour, "X.X時間前" above.
func Elapsed(minutes float64) string {
	if minutes < 60 {
		return fmt.Sprintf("%.0f分前", minutes)
	}
	return fmt.Sprintf("%.1f時間前", minutes/60)
}
