package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/funding"
	"dn-hedge-bot/internal/hedge"
	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/risk"
	"dn-hedge-bot/internal/stream"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Mode: config.ModePaper,
		Strategy: config.StrategyConfig{
			Symbol:                "ETH",
			SpotVenue:             "dexspot",
			PerpVenue:             "perpx",
			TargetNotionalUSD:     2000,
			MinFundingAPY:         8,
			RebalanceThresholdPct: 5,
			QuoteStaleness:        time.Minute,
		},
		Risk: config.RiskConfig{
			MaxLeverage:         1,
			EmergencyLossPct:    5,
			AllocatedCapitalUSD: 1000,
		},
	}
	cache := marketstate.NewCache(cfg.Strategy.QuoteStaleness)
	riskMgr := risk.NewManager(cfg.Risk)
	coordinator := hedge.NewCoordinator(
		cfg.Strategy, zap.NewNop(), cache,
		funding.NewMonitor(cfg.Strategy), riskMgr,
		nil, nil, nil, nil,
	)
	return &App{
		cfg:         cfg,
		log:         zap.NewNop(),
		cache:       cache,
		riskMgr:     riskMgr,
		coordinator: coordinator,
		alerts:      alerts.NewTelegram(cfg.Telegram, zap.NewNop()),
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cases := []struct {
		text string
		cmd  string
		args int
		ok   bool
	}{
		{"/status", "status", 0, true},
		{"  /PAUSE  ", "pause", 0, true},
		{"/risk reset", "risk", 1, true},
		{"/orphans clear", "orphans", 1, true},
		{"hello", "", 0, false},
		{"", "", 0, false},
		{"   ", "", 0, false},
	}
	for _, tc := range cases {
		cmd, args, ok := parseOperatorCommand(tc.text)
		if ok != tc.ok {
			t.Fatalf("parse %q: ok=%v want %v", tc.text, ok, tc.ok)
		}
		if cmd != tc.cmd {
			t.Fatalf("parse %q: cmd=%q want %q", tc.text, cmd, tc.cmd)
		}
		if len(args) != tc.args {
			t.Fatalf("parse %q: args=%d want %d", tc.text, len(args), tc.args)
		}
	}
}

func TestOperatorPauseResume(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	resp, err := a.handleOperatorCommand(ctx, "pause", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if resp != "ticks paused" {
		t.Fatalf("unexpected pause response: %q", resp)
	}
	if !a.isPaused() {
		t.Fatal("expected paused after /pause")
	}

	resp, err = a.handleOperatorCommand(ctx, "pause", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("pause again: %v", err)
	}
	if resp != "ticks already paused" {
		t.Fatalf("unexpected repeat pause response: %q", resp)
	}

	resp, err = a.handleOperatorCommand(ctx, "resume", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resp != "ticks resumed" {
		t.Fatalf("unexpected resume response: %q", resp)
	}
	if a.isPaused() {
		t.Fatal("expected running after /resume")
	}
}

func TestOperatorStatus(t *testing.T) {
	a := newTestApp(t)
	resp, err := a.handleOperatorCommand(context.Background(), "status", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"state: IDLE", "symbol: ETH", "paused: false", "orphans: 0"} {
		if !strings.Contains(resp, want) {
			t.Fatalf("status missing %q:\n%s", want, resp)
		}
	}
}

func TestOperatorRiskReset(t *testing.T) {
	a := newTestApp(t)
	instr := marketstate.Instrument{Venue: "perpx", Symbol: "ETH", Kind: marketstate.KindPerp}
	verdict := a.riskMgr.Assess(risk.Input{
		Positions: []marketstate.Position{{Instrument: instr, Qty: 10, AvgEntryPrice: 2000}},
		Marks:     map[marketstate.Instrument]float64{instr: 2000},
	})
	if verdict.Verdict != risk.VerdictEmergencyExit {
		t.Fatalf("expected emergency latch, got %s", verdict.Verdict)
	}
	if !a.riskMgr.Latched() {
		t.Fatal("expected latched manager")
	}

	resp, err := a.handleOperatorCommand(context.Background(), "risk", []string{"reset"}, operatorMeta{})
	if err != nil {
		t.Fatalf("risk reset: %v", err)
	}
	if resp != "emergency latch cleared, entries unblocked" {
		t.Fatalf("unexpected response: %q", resp)
	}
	if a.riskMgr.Latched() {
		t.Fatal("expected latch cleared")
	}
}

func TestOperatorCloseCommand(t *testing.T) {
	a := newTestApp(t)
	resp, err := a.handleOperatorCommand(context.Background(), "close", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(resp, "close requested") {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestOperatorUnknownCommandShowsHelp(t *testing.T) {
	a := newTestApp(t)
	resp, err := a.handleOperatorCommand(context.Background(), "bogus", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("bogus: %v", err)
	}
	if !strings.Contains(resp, "commands:") {
		t.Fatalf("expected help text, got %q", resp)
	}
}

func TestHandleOperatorUpdateFilters(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	allowed := map[int64]struct{}{42: {}}
	update := func(chat, user int64, text string) alerts.Update {
		return alerts.Update{
			UpdateID: 1,
			Message: &alerts.Message{
				Chat: &alerts.Chat{ID: chat},
				From: &alerts.User{ID: user},
				Text: text,
			},
		}
	}

	a.handleOperatorUpdate(ctx, update(999, 42, "/pause"), 100, allowed)
	if a.isPaused() {
		t.Fatal("command from wrong chat must be ignored")
	}
	a.handleOperatorUpdate(ctx, update(100, 7, "/pause"), 100, allowed)
	if a.isPaused() {
		t.Fatal("command from disallowed user must be ignored")
	}
	a.handleOperatorUpdate(ctx, update(100, 42, "/pause"), 100, allowed)
	if !a.isPaused() {
		t.Fatal("command from allowed user must apply")
	}
}

func TestAlertMessage(t *testing.T) {
	emergency := stream.Event{
		Type: stream.TypeStateTransition,
		Tags: map[string]string{"from": "NEUTRAL", "to": "EMERGENCY_EXIT"},
	}
	if msg := alertMessage(emergency); !strings.Contains(msg, "EMERGENCY EXIT") {
		t.Fatalf("unexpected emergency alert: %q", msg)
	}

	routine := stream.Event{
		Type: stream.TypeStateTransition,
		Tags: map[string]string{"from": "IDLE", "to": "EVALUATING"},
	}
	if msg := alertMessage(routine); msg != "" {
		t.Fatalf("routine transition must not alert, got %q", msg)
	}

	tick := stream.Event{Type: stream.TypeDeltaTick}
	if msg := alertMessage(tick); msg != "" {
		t.Fatalf("delta tick must not alert, got %q", msg)
	}

	orphan := stream.Event{
		Type:   stream.TypeOrphan,
		Tags:   map[string]string{"venue": "perpx", "symbol": "ETH", "reason": "close_failed"},
		Values: map[string]float64{"qty": -0.5},
	}
	if msg := alertMessage(orphan); !strings.Contains(msg, "orphaned exposure") {
		t.Fatalf("unexpected orphan alert: %q", msg)
	}
}
