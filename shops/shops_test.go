package shops

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hazyhaar/shopwatch/horosafe"
)

const sampleJSON = `[
  {"py_file": "alpha.py", "display_name": "AlphaCam", "category": "", "scraping_url": "https://alpha.example/new",
   "url_index": 0, "priority": 1, "is_active": true, "notification_enabled": "385402385"},
  {"py_file": "alpha.py", "display_name": "AlphaCam", "category": "Leica", "scraping_url": "https://alpha.example/leica",
   "url_index": "1", "priority": "1", "is_active": "TRUE", "notification_enabled": "true, 111"},
  {"py_file": "beta.py", "display_name": "BetaShop", "scraping_url": "https://beta.example/",
   "priority": "high", "is_active": "yes", "notification_enabled": "nan"},
  {"py_file": "gamma.py", "display_name": "Gamma", "scraping_url": "https://gamma.example/",
   "priority": 2, "is_active": true, "notification_enabled": "none"}
]`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFile_JSONCoercion(t *testing.T) {
	rows, err := LoadFile(writeFile(t, "shop_config.json", sampleJSON), LoadOptions{DefaultRoom: "999"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Category != DefaultCategory {
		t.Errorf("category default = %q", rows[0].Category)
	}
	if rows[1].URLIndex != 1 || rows[1].Priority != 1 || !rows[1].Active {
		t.Errorf("string coercion = %+v", rows[1])
	}
	if want := []string{"999", "111"}; !reflect.DeepEqual(rows[1].Destinations, want) {
		t.Errorf("destinations = %v, want %v", rows[1].Destinations, want)
	}
	// Unparseable priority falls back to 2, non-"true" strings are inactive.
	if rows[2].Priority != 2 || rows[2].Active || rows[2].Destinations != nil {
		t.Errorf("beta = %+v", rows[2])
	}
	if rows[3].Destinations != nil {
		t.Errorf("none room = %v", rows[3].Destinations)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	body := `
- py_file: alpha.py
  display_name: AlphaCam
  scraping_url: https://alpha.example/new
  url_index: 0
  priority: 1
  is_active: true
  notification_enabled: 385402385
`
	rows, err := LoadFile(writeFile(t, "shops.yaml", body), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Priority != 1 || rows[0].Destinations[0] != "385402385" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing py_file": `[{"display_name": "A"}]`,
		"missing display": `[{"py_file": "a.py"}]`,
		"bad url":         `[{"py_file": "a.py", "display_name": "A", "scraping_url": "not a url"}]`,
		"negative index":  `[{"py_file": "a.py", "display_name": "A", "url_index": -1}]`,
		"text index":      `[{"py_file": "a.py", "display_name": "A", "url_index": "x"}]`,
		"duplicate":       `[{"py_file": "a.py", "display_name": "A"}, {"py_file": "a.py", "display_name": "B"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, "s.json", body), LoadOptions{})
			var inv *ErrInvalidConfig
			if !errors.As(err, &inv) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadFile_Unreadable(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"), LoadOptions{}); err == nil {
		t.Fatal("missing file accepted")
	}
	if _, err := LoadFile(writeFile(t, "s.json", "{"), LoadOptions{}); err == nil {
		t.Fatal("broken JSON accepted")
	}
}

func TestStore(t *testing.T) {
	rows, err := LoadFile(writeFile(t, "shop_config.json", sampleJSON), LoadOptions{DefaultRoom: "999"})
	if err != nil {
		t.Fatal(err)
	}
	s := New("/srv/scrapers", rows)

	if got := s.Active(1); !reflect.DeepEqual(got, []string{"alpha.py"}) {
		t.Errorf("Active(1) = %v", got)
	}
	// beta.py is inactive.
	if got := s.Active(2); !reflect.DeepEqual(got, []string{"gamma.py"}) {
		t.Errorf("Active(2) = %v", got)
	}
	if got := s.URLConfigs("alpha.py"); len(got) != 2 || got[0].URLIndex != 0 || got[1].URLIndex != 1 {
		t.Errorf("URLConfigs = %+v", got)
	}
	def, ok := s.URLConfig("alpha.py", 0)
	if !ok || def.SiteKey() != "AlphaCam_新着" {
		t.Errorf("URLConfig(0) = %+v, %v", def, ok)
	}
	if got := s.Scripts(); !reflect.DeepEqual(got, []string{"alpha.py", "gamma.py"}) {
		t.Errorf("Scripts = %v", got)
	}
	if _, ok := s.URLConfig("alpha.py", 7); ok {
		t.Error("unknown url_index found")
	}
	if s.Priority("alpha.py") != 1 || s.Priority("unknown.py") != 2 {
		t.Error("priority lookup")
	}
	if p, err := s.Path("alpha.py"); err != nil || p != filepath.Join("/srv/scrapers", "alpha.py") {
		t.Errorf("Path = %q, %v", p, err)
	}
	if _, err := s.Path("../etc/passwd"); !errors.Is(err, horosafe.ErrPathTraversal) {
		t.Errorf("traversal err = %v", err)
	}
}
