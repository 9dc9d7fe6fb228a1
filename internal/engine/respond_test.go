package engine

import (
	"context"
	"testing"
	"time"

	"github.com/gridguard/sentinel/internal/events"
)

func TestExecuteEmitsActionEventAndReceipt(t *testing.T) {
	eng, rec := newTestEngine(t, nil, nil)
	eng.Execute(context.Background(), ResponseAction{
		Kind:     ActionLockAccount,
		Target:   "mallory",
		Duration: time.Hour,
		Params:   map[string]string{"reason": "risk_tier"},
	})

	if rec.count(events.KindAccountLocked) != 1 || rec.count(events.KindResponseExecuted) != 1 {
		t.Fatalf("kinds = %v", rec.kinds())
	}
	ev := rec.got[0]
	if ev.Identity != "mallory" {
		t.Fatalf("identity = %q", ev.Identity)
	}
	if ev.Detail["executed_by"] != executorName {
		t.Fatalf("executed_by = %v", ev.Detail["executed_by"])
	}
	if ev.Detail["duration"] != "1h0m0s" {
		t.Fatalf("duration detail = %v", ev.Detail["duration"])
	}
	if ev.Detail["reason"] != "risk_tier" {
		t.Fatalf("params not merged: %v", ev.Detail)
	}
	if ev.At.IsZero() {
		t.Fatal("execution time not stamped")
	}
}

func TestExecuteUnknownKindFallsBackToAlert(t *testing.T) {
	eng, rec := newTestEngine(t, nil, nil)
	eng.Execute(context.Background(), ResponseAction{Kind: ActionKind("made_up"), Target: "x"})
	if rec.count(events.KindSecurityAlert) != 1 {
		t.Fatalf("kinds = %v", rec.kinds())
	}
}

func TestTierResponseBundles(t *testing.T) {
	crit := criticalResponses("eve")
	if len(crit) != 3 {
		t.Fatalf("critical bundle = %d actions", len(crit))
	}
	kinds := map[ActionKind]bool{}
	for _, a := range crit {
		kinds[a.Kind] = true
		if a.Target != "eve" {
			t.Fatalf("target = %q", a.Target)
		}
	}
	for _, k := range []ActionKind{ActionTerminateSession, ActionLockAccount, ActionAlert} {
		if !kinds[k] {
			t.Fatalf("critical bundle missing %s", k)
		}
	}

	high := highResponses("eve")
	if len(high) != 2 || high[0].Kind != ActionRequireMFA || high[1].Kind != ActionMonitor {
		t.Fatalf("high bundle = %+v", high)
	}
}
