package report

import (
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/shopwatch/coordinator/internal/snapshot"
)

func tracked(site string, prio int, ts time.Time) snapshot.Tracked {
	return snapshot.Tracked{Site: site, Priority: prio, File: "f.json", Entry: snapshot.Entry{Timestamp: snapshot.At(ts)}}
}

func TestGenerate(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	r := Generate([]snapshot.Tracked{
		tracked("Fresh_新着", 1, now.Add(-10*time.Minute)),
		tracked("Edge_新着", 1, now.Add(-30*time.Minute)),
		tracked("Old_新着", 2, now.Add(-45*time.Minute)),
		tracked("Older_新着", 2, now.Add(-3*time.Hour)),
		{Site: "NoTime", Priority: 2},
	}, now, 0)

	if r.Total != 4 || r.Skipped != 1 {
		t.Fatalf("total=%d skipped=%d", r.Total, r.Skipped)
	}
	if len(r.Fresh) != 2 {
		t.Fatalf("fresh = %d, want 2 (30 minutes is still fresh)", len(r.Fresh))
	}
	if len(r.Stale) != 2 || r.Stale[0].Site != "Older_新着" {
		t.Fatalf("stale = %+v", r.Stale)
	}
	if r.Stale[1].Priority != "P2" {
		t.Fatalf("priority tag = %q", r.Stale[1].Priority)
	}
}

func TestFormat(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	r := Generate([]snapshot.Tracked{
		tracked("A_新着", 1, now.Add(-45*time.Minute)),
		tracked("B_中古", 2, now.Add(-150*time.Minute)),
		tracked("C_新着", 1, now),
	}, now, 0)
	msg := Format(r)

	for _, want := range []string{
		"[info]========================================\n📊 全URLタイムスタンプレポート\n",
		"🕐 2026-06-01 12:00:00\n",
		"✅ 新鮮: 1件 (30分以内)\n",
		"⚠️ 古い: 2件 (30分超過)\n",
		"📁 総計: 3サイト\n",
		"【⚠️ 更新が古いサイト: 2件】\n  ⚠️ [P2] B_中古: 2.5時間前\n  ⚠️ [P1] A_新着: 45分前\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message lacks %q:\n%s", want, msg)
		}
	}
	if !strings.HasSuffix(msg, "========================================\n[/info]") {
		t.Errorf("bad trailer:\n%s", msg)
	}
}

func TestFormatAllFresh(t *testing.T) {
	now := time.Now()
	msg := Format(Generate([]snapshot.Tracked{tracked("A", 1, now)}, now, 0))
	if !strings.Contains(msg, "✅ 全サイト正常更新中\n") {
		t.Fatalf("message:\n%s", msg)
	}
}

func TestElapsed(t *testing.T) {
	cases := map[float64]string{
		5:    "5分前",
		59.4: "59分前",
		60:   "1.0時間前",
		138:  "2.3時間前",
		1440: "24.0時間前",
	}
	for in, want := range cases {
		if got := Elapsed(in); got != want {
			t.Errorf("Elapsed(%v) = %q, want %q", in, got, want)
		}
	}
}
