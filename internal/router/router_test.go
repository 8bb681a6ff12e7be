package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/marketstate"
	"dn-hedge-bot/internal/venue"
)

var (
	spotInstr = marketstate.Instrument{Venue: "dex", Symbol: "ETH/USDC", Kind: marketstate.KindSpot}
	perpInstr = marketstate.Instrument{Venue: "perpx", Symbol: "ETH-PERP", Kind: marketstate.KindPerp}
)

type fakeAdapter struct {
	name  string
	fills chan venue.FillEvent

	mu        sync.Mutex
	nextID    int
	cancelled []string

	// onSubmit schedules whatever fill events the test wants for the
	// assigned order id. May push to fills synchronously.
	onSubmit  func(orderID string, req venue.OrderRequest)
	submitErr error
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, fills: make(chan venue.FillEvent, 16)}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Price(ctx context.Context, instr marketstate.Instrument) (marketstate.PriceQuote, error) {
	return marketstate.PriceQuote{}, errors.New("not used")
}

func (f *fakeAdapter) FundingRate(ctx context.Context, instr marketstate.Instrument) (marketstate.FundingQuote, error) {
	return marketstate.FundingQuote{}, errors.New("not used")
}

func (f *fakeAdapter) Position(ctx context.Context, instr marketstate.Instrument) (marketstate.Position, error) {
	return marketstate.Position{}, errors.New("not used")
}

func (f *fakeAdapter) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	f.mu.Lock()
	if f.submitErr != nil {
		err := f.submitErr
		f.mu.Unlock()
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("%s-%d", f.name, f.nextID)
	onSubmit := f.onSubmit
	f.mu.Unlock()
	if onSubmit != nil {
		onSubmit(id, req)
	}
	return id, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, orderID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Fills() <-chan venue.FillEvent { return f.fills }

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T, adapters ...*fakeAdapter) (*Router, *marketstate.Cache, context.CancelFunc) {
	t.Helper()
	cache := marketstate.NewCache(10 * time.Second)
	m := make(map[string]venue.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.name] = a
	}
	r := New(zap.NewNop(), cache, m, 500*time.Millisecond, true)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	return r, cache, cancel
}

func TestExecuteFillsBothLegs(t *testing.T) {
	dex := newFakeAdapter("dex")
	perp := newFakeAdapter("perpx")
	dex.onSubmit = func(id string, req venue.OrderRequest) {
		dex.fills <- venue.FillEvent{OrderID: id, FilledQty: req.Qty, AvgPrice: 2000, Status: venue.StatusFilled, Time: time.Now()}
	}
	perp.onSubmit = func(id string, req venue.OrderRequest) {
		perp.fills <- venue.FillEvent{OrderID: id, FilledQty: req.Qty, AvgPrice: 2001, Status: venue.StatusFilled, Time: time.Now()}
	}
	r, cache, cancel := newTestRouter(t, dex, perp)
	defer cancel()

	intent := NewIntent("open",
		Leg{Instrument: spotInstr, Side: venue.SideBuy, Qty: 1.5},
		Leg{Instrument: perpInstr, Side: venue.SideSell, Qty: 1.5},
	)
	outcome, err := r.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.AllFilled() {
		t.Fatalf("expected all legs filled: %+v", outcome.Records)
	}

	spot, ok := cache.Position(spotInstr)
	if !ok || math.Abs(spot.Qty-1.5) > 1e-9 {
		t.Fatalf("spot position = %+v, want qty 1.5", spot)
	}
	short, ok := cache.Position(perpInstr)
	if !ok || math.Abs(short.Qty+1.5) > 1e-9 {
		t.Fatalf("perp position = %+v, want qty -1.5", short)
	}
}

func TestExecutePartialFillReported(t *testing.T) {
	dex := newFakeAdapter("dex")
	perp := newFakeAdapter("perpx")
	dex.onSubmit = func(id string, req venue.OrderRequest) {
		dex.fills <- venue.FillEvent{OrderID: id, FilledQty: req.Qty, AvgPrice: 2000, Status: venue.StatusFilled, Time: time.Now()}
	}
	// perp leg fills 0.4 of 1.0 and then stalls until the cancel lands
	perp.onSubmit = func(id string, req venue.OrderRequest) {
		perp.fills <- venue.FillEvent{OrderID: id, FilledQty: 0.4, AvgPrice: 2001, Status: venue.StatusPartiallyFilled, Time: time.Now()}
		go func() {
			time.Sleep(700 * time.Millisecond)
			perp.fills <- venue.FillEvent{OrderID: id, FilledQty: 0.4, AvgPrice: 2001, Status: venue.StatusCancelled, Time: time.Now()}
		}()
	}
	r, cache, cancel := newTestRouter(t, dex, perp)
	defer cancel()

	intent := NewIntent("open",
		Leg{Instrument: spotInstr, Side: venue.SideBuy, Qty: 1},
		Leg{Instrument: perpInstr, Side: venue.SideSell, Qty: 1},
	)
	outcome, err := r.Execute(context.Background(), intent)
	var partial *PartialFillError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialFillError, got %v", err)
	}
	if outcome.AllFilled() {
		t.Fatal("outcome reported all filled")
	}

	var perpRec *OrderRecord
	for i := range outcome.Records {
		if outcome.Records[i].Leg.Instrument == perpInstr {
			perpRec = &outcome.Records[i]
		}
	}
	if perpRec == nil {
		t.Fatal("perp record missing")
	}
	if !perpRec.Status.Terminal() {
		t.Fatalf("perp record not terminal: %s", perpRec.Status)
	}
	if math.Abs(perpRec.RemainingQty()-0.6) > 1e-9 {
		t.Fatalf("remaining = %v, want 0.6", perpRec.RemainingQty())
	}

	// the executed 0.4 counts toward the book
	pos, ok := cache.Position(perpInstr)
	if !ok || math.Abs(pos.Qty+0.4) > 1e-9 {
		t.Fatalf("perp position = %+v, want qty -0.4", pos)
	}
}

func TestExecuteSubmitFailureNoFills(t *testing.T) {
	dex := newFakeAdapter("dex")
	dex.submitErr = venue.ErrOrderRejected
	r, cache, cancel := newTestRouter(t, dex)
	defer cancel()

	intent := NewIntent("open", Leg{Instrument: spotInstr, Side: venue.SideBuy, Qty: 1})
	outcome, err := r.Execute(context.Background(), intent)
	if err == nil {
		t.Fatal("expected error")
	}
	var partial *PartialFillError
	if errors.As(err, &partial) {
		t.Fatalf("rejected submit must not be a partial fill: %v", err)
	}
	if outcome.Records[0].Status != venue.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", outcome.Records[0].Status)
	}
	if _, ok := cache.Position(spotInstr); ok {
		t.Fatal("no position should exist after rejected submit")
	}
}

func TestOrderRecordTerminalImmutable(t *testing.T) {
	rec := OrderRecord{Leg: Leg{Instrument: spotInstr, Side: venue.SideBuy, Qty: 1}}
	rec.applyEvent(venue.FillEvent{OrderID: "a", FilledQty: 1, AvgPrice: 2000, Status: venue.StatusFilled})
	rec.applyEvent(venue.FillEvent{OrderID: "a", FilledQty: 0.2, AvgPrice: 1, Status: venue.StatusCancelled})
	if rec.Status != venue.StatusFilled || rec.FilledQty != 1 || rec.AvgFillPrice != 2000 {
		t.Fatalf("terminal record mutated: %+v", rec)
	}
}

func TestExecuteFillBeforeWaitNotLost(t *testing.T) {
	dex := newFakeAdapter("dex")
	// event lands on the stream synchronously inside SubmitOrder,
	// before Execute starts waiting on the order
	dex.onSubmit = func(id string, req venue.OrderRequest) {
		dex.fills <- venue.FillEvent{OrderID: id, FilledQty: req.Qty, AvgPrice: 2000, Status: venue.StatusFilled, Time: time.Now()}
		time.Sleep(50 * time.Millisecond)
	}
	r, _, cancel := newTestRouter(t, dex)
	defer cancel()

	intent := NewIntent("open", Leg{Instrument: spotInstr, Side: venue.SideBuy, Qty: 1})
	if _, err := r.Execute(context.Background(), intent); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
