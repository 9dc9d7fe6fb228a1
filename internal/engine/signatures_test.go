package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridguard/sentinel/internal/events"
)

func TestCompileSignaturesAllOrNothing(t *testing.T) {
	rules := []SignatureRule{
		{Name: "ok", Type: ThreatSQLInjection, Pattern: `select`, Severity: SeverityCritical},
		{Name: "broken", Type: ThreatXSS, Pattern: `(`, Severity: SeverityHigh},
	}
	if _, err := compileSignatures(rules); err == nil {
		t.Fatal("invalid pattern accepted")
	}
	if m, err := compileSignatures(rules[:1]); err != nil || len(m.rules) != 1 {
		t.Fatalf("valid set rejected: %v", err)
	}
}

func TestDefaultSignaturesCompile(t *testing.T) {
	m, err := compileSignatures(defaultSignatureRules())
	if err != nil {
		t.Fatalf("built-in rules do not compile: %v", err)
	}
	if len(m.rules) != 13 {
		t.Fatalf("rules = %d, want 13", len(m.rules))
	}
}

func TestMatcherCollectsAllHits(t *testing.T) {
	m, err := compileSignatures(defaultSignatureRules())
	if err != nil {
		t.Fatal(err)
	}
	hits := m.match(`' UNION SELECT name FROM users -- <script>`)
	names := make(map[string]bool, len(hits))
	for _, h := range hits {
		names[h.Name] = true
		if h.Snippet == "" {
			t.Errorf("%s: empty snippet", h.Name)
		}
	}
	for _, want := range []string{"sqli-union-select", "sqli-statement", "xss-script-tag"} {
		if !names[want] {
			t.Errorf("missing hit %s in %v", want, names)
		}
	}
}

func TestLoadSignatureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	body := `{"rules":[{"name":"custom-ldap","type":"sql_injection","pattern":"(?i)\\(\\|\\(","severity":"high"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := loadSignatureFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "custom-ldap" {
		t.Fatalf("rules = %+v", rules)
	}
	m, err := compileSignatures(rules)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if got := m.match(`(|(objectClass=*)`); len(got) != 1 {
		t.Fatalf("custom rule did not match, got %v", got)
	}

	if _, err := loadSignatureFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("not json"), 0o644)
	if _, err := loadSignatureFile(bad); err == nil {
		t.Fatal("malformed file accepted")
	}
}

func TestWatchRulesSwapsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRules := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeRules(`{"rules":[{"name":"first","type":"xss","pattern":"foo","severity":"high"}]}`)

	initial, err := compileSignatures(defaultSignatureRules())
	if err != nil {
		t.Fatal(err)
	}
	var matcher atomic.Value
	matcher.Store(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watchRules(ctx, path, &matcher); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeRules(`{"rules":[{"name":"second","type":"xss","pattern":"bar","severity":"high"}]}`)
	deadline := time.Now().Add(5 * time.Second)
	for {
		m := matcher.Load().(*signatureMatcher)
		if len(m.rules) == 1 && m.rules[0].Name == "second" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("matcher not swapped, rules = %d", len(m.rules))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A malformed write keeps the last good matcher active.
	writeRules(`not json`)
	time.Sleep(300 * time.Millisecond)
	m := matcher.Load().(*signatureMatcher)
	if len(m.rules) != 1 || m.rules[0].Name != "second" {
		t.Fatalf("bad reload replaced matcher, rules = %+v", m.rules)
	}
}

func TestScanSeverityComesFromRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	body := `{"rules":[
		{"name":"xss-srcdoc","type":"xss","pattern":"(?i)srcdoc\\s*=","severity":"critical"},
		{"name":"xss-marquee","type":"xss","pattern":"(?i)<\\s*marquee","severity":"low"}
	]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.RulesPath = path
	eng, err := New(cfg, events.NewBus(), stubDirectory{}, &stubAudit{}, stubGeo{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Highest matched rule severity wins.
	threat := eng.ScanInput(ctx, `<marquee srcdoc="x">`, "form")
	if threat == nil {
		t.Fatal("custom rules did not match")
	}
	if threat.Type != ThreatXSS || threat.Severity != SeverityCritical {
		t.Fatalf("got %s/%s, want xss/critical", threat.Type, threat.Severity)
	}

	threat = eng.ScanInput(ctx, "<marquee>sale", "form")
	if threat == nil || threat.Severity != SeverityLow {
		t.Fatalf("low-severity rule not honored: %+v", threat)
	}
}

func TestEngineUsesRulesPathOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	body := `{"rules":[{"name":"only-foo","type":"xss","pattern":"foo","severity":"high"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.RulesPath = path
	eng, err := New(cfg, events.NewBus(), stubDirectory{}, &stubAudit{}, stubGeo{})
	if err != nil {
		t.Fatal(err)
	}
	m := eng.matcher.Load().(*signatureMatcher)
	if len(m.rules) != 1 || m.rules[0].Name != "only-foo" {
		t.Fatalf("override not applied: %+v", m.rules)
	}

	// Unreadable path falls back to built-ins instead of failing startup.
	cfg.RulesPath = filepath.Join(dir, "nope.json")
	eng, err = New(cfg, events.NewBus(), stubDirectory{}, &stubAudit{}, stubGeo{})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(eng.matcher.Load().(*signatureMatcher).rules); got != 13 {
		t.Fatalf("fallback rules = %d, want 13", got)
	}
}
