package limiter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsBrowserScript(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	cases := []struct {
		path string
		want bool
	}{
		{write("pw.py", "from playwright.async_api import async_playwright\n"), true},
		{write("page.py", "page = await browser.new_page()\n"), true},
		{write("plain.py", "import requests\nprint('Nikon F3 45,000円')\n"), false},
		{filepath.Join(dir, "missing.py"), false},
	}
	for _, c := range cases {
		if got := IsBrowserScript(c.path); got != c.want {
			t.Errorf("IsBrowserScript(%s) = %v, want %v", filepath.Base(c.path), got, c.want)
		}
	}
}

func browserOnly(path string) bool { return path != "plain.py" }

func TestTryAcquireSkipsWhenFull(t *testing.T) {
	l := New(2, nil, WithWait(20*time.Millisecond), WithClassifier(browserOnly))
	ctx := context.Background()

	r1, ok1 := l.TryAcquire(ctx, "a.py")
	r2, ok2 := l.TryAcquire(ctx, "b.py")
	if !ok1 || !ok2 {
		t.Fatal("first two browser scripts must get a permit")
	}

	start := time.Now()
	_, ok := l.TryAcquire(ctx, "c.py")
	if ok {
		t.Fatal("third browser script must be skipped")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("TryAcquire returned before the wait elapsed")
	}

	// Plain scripts never need a permit.
	if _, ok := l.TryAcquire(ctx, "plain.py"); !ok {
		t.Fatal("plain script must not be limited")
	}

	r1()
	r1() // double release is harmless
	r3, ok := l.TryAcquire(ctx, "c.py")
	if !ok {
		t.Fatal("permit freed by release must be reusable")
	}
	r2()
	r3()
}

func TestClassificationCached(t *testing.T) {
	calls := 0
	l := New(1, nil, WithClassifier(func(string) bool { calls++; return false }))
	l.IsBrowser("x.py")
	l.IsBrowser("x.py")
	if calls != 1 {
		t.Fatalf("classifier calls = %d, want 1", calls)
	}
}
