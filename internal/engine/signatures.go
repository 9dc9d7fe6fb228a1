package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// SignatureRule is one (tag, pattern, severity) triple. New signatures are
// added as data; control flow never changes.
type SignatureRule struct {
	Name     string     `json:"name"`
	Type     ThreatType `json:"type"` // sql_injection | xss
	Pattern  string     `json:"pattern"`
	Severity Severity   `json:"severity"`
}

type compiledRule struct {
	SignatureRule
	re *regexp.Regexp
}

// SignatureMatch is one signature hit with its evidence snippet.
type SignatureMatch struct {
	Name     string     `json:"name"`
	Type     ThreatType `json:"type"`
	Severity Severity   `json:"severity"`
	Snippet  string     `json:"snippet"`
}

// signatureMatcher holds an ordered, startup-compiled rule list. Swapped
// atomically on reload so scans never see a half-built set.
type signatureMatcher struct {
	rules []compiledRule
}

// defaultSignatureRules are intentionally broad keyword signatures; the
// recall-over-precision tradeoff is accepted and a moderate false-positive
// rate is expected.
func defaultSignatureRules() []SignatureRule {
	return []SignatureRule{
		{Name: "sqli-union-select", Type: ThreatSQLInjection, Pattern: `(?i)\bunion\b[\s(]+\bselect\b`, Severity: SeverityCritical},
		{Name: "sqli-tautology", Type: ThreatSQLInjection, Pattern: `(?i)\bor\b\s+\d+\s*=\s*\d+`, Severity: SeverityCritical},
		{Name: "sqli-quoted-tautology", Type: ThreatSQLInjection, Pattern: `(?i)'\s*or\s*'[^']*'\s*=\s*'`, Severity: SeverityCritical},
		{Name: "sqli-statement", Type: ThreatSQLInjection, Pattern: `(?i)\b(select|insert|update|delete|drop|truncate|alter)\b.+\b(from|into|table|set|where)\b`, Severity: SeverityCritical},
		{Name: "sqli-comment", Type: ThreatSQLInjection, Pattern: `(--|#|/\*)\s*$|;\s*--`, Severity: SeverityCritical},
		{Name: "sqli-stacked-drop", Type: ThreatSQLInjection, Pattern: `(?i);\s*(drop|delete|truncate)\b`, Severity: SeverityCritical},
		{Name: "sqli-exec-proc", Type: ThreatSQLInjection, Pattern: `(?i)\bexec(ute)?\b[\s(]+(s|x)p_\w+`, Severity: SeverityCritical},
		{Name: "xss-script-tag", Type: ThreatXSS, Pattern: `(?i)<\s*script[^>]*>`, Severity: SeverityHigh},
		{Name: "xss-js-uri", Type: ThreatXSS, Pattern: `(?i)javascript\s*:`, Severity: SeverityHigh},
		{Name: "xss-event-handler", Type: ThreatXSS, Pattern: `(?i)\bon(load|error|click|mouseover|focus|blur)\s*=`, Severity: SeverityHigh},
		{Name: "xss-iframe", Type: ThreatXSS, Pattern: `(?i)<\s*iframe`, Severity: SeverityHigh},
		{Name: "xss-document-access", Type: ThreatXSS, Pattern: `(?i)document\s*\.\s*(cookie|write|location)`, Severity: SeverityHigh},
		{Name: "xss-eval", Type: ThreatXSS, Pattern: `(?i)\beval\s*\(`, Severity: SeverityHigh},
	}
}

// compileSignatures compiles rules in order; an invalid pattern fails the
// whole set so a bad reload never partially applies.
func compileSignatures(rules []SignatureRule) (*signatureMatcher, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile signature %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{SignatureRule: r, re: re})
	}
	return &signatureMatcher{rules: compiled}, nil
}

// match runs every rule in order and collects evidence snippets.
func (m *signatureMatcher) match(text string) []SignatureMatch {
	var out []SignatureMatch
	for _, r := range m.rules {
		if loc := r.re.FindString(text); loc != "" {
			out = append(out, SignatureMatch{Name: r.Name, Type: r.Type, Severity: r.Severity, Snippet: loc})
		}
	}
	return out
}

// loadSignatureFile parses a JSON rules file: {"rules": [...]}.
func loadSignatureFile(path string) ([]SignatureRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Rules []SignatureRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return wrapper.Rules, nil
}

// watchRules reloads the matcher on filesystem changes until ctx is done.
// A failed reload keeps the previous matcher active.
func watchRules(ctx context.Context, path string, matcherPtr *atomic.Value) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				rules, err := loadSignatureFile(path)
				if err != nil {
					slog.Warn("signature reload failed", "path", path, "error", err)
					continue
				}
				m, err := compileSignatures(rules)
				if err != nil {
					slog.Warn("signature compile failed", "path", path, "error", err)
					continue
				}
				matcherPtr.Store(m)
				slog.Info("signatures reloaded", "path", path, "rules", len(rules))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("rules watcher error", "error", err)
			}
		}
	}()
	return nil
}
