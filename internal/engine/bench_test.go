package engine

import (
	"fmt"
	"testing"
	"time"
)

func BenchmarkSignatureMatch(b *testing.B) {
	m, err := compileSignatures(defaultSignatureRules())
	if err != nil {
		b.Fatal(err)
	}
	inputs := []string{
		"GET /reports?quarter=3&owner=finance",
		"robert'); DROP TABLE students;--",
		"plain product search terms with no operators",
		`<img src=x onerror=alert(1)>`,
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.match(inputs[i%len(inputs)])
	}
}

func BenchmarkProfileObserve(b *testing.B) {
	s := newProfileStore(5)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	acts := make([]Activity, 64)
	for i := range acts {
		acts[i] = Activity{
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			IP:              fmt.Sprintf("10.0.%d.%d", i%4, i%7),
			UserAgent:       fmt.Sprintf("device-%d", i%3),
			Resource:        fmt.Sprintf("res-%d", i%5),
			SessionDuration: time.Duration(20+i%10) * time.Minute,
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.observe(fmt.Sprintf("identity-%d", i%512), "", acts[i%len(acts)])
	}
}
