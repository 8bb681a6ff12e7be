// Package journal records market observations to a compact msgpack
// stream and replays them later. A backtest run is the recorded quote
// stream played through the simulated venues.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"dn-hedge-bot/internal/marketstate"
)

const (
	recordPrice   = "price"
	recordFunding = "funding"
)

// Record is one observation. Price or funding fields are populated
// depending on Type.
type Record struct {
	Type        string  `msgpack:"t"`
	Venue       string  `msgpack:"v"`
	Symbol      string  `msgpack:"s"`
	Kind        string  `msgpack:"k"`
	Price       float64 `msgpack:"p,omitempty"`
	Rate        float64 `msgpack:"r,omitempty"`
	IntervalSec int64   `msgpack:"i,omitempty"`
	TSMS        int64   `msgpack:"ts"`
}

func (r Record) IsPrice() bool   { return r.Type == recordPrice }
func (r Record) IsFunding() bool { return r.Type == recordFunding }

func (r Record) Instrument() marketstate.Instrument {
	return marketstate.Instrument{Venue: r.Venue, Symbol: r.Symbol, Kind: marketstate.Kind(r.Kind)}
}

func (r Record) ObservedAt() time.Time {
	return time.UnixMilli(r.TSMS)
}

type Writer struct {
	f   *os.File
	enc *msgpack.Encoder
}

func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Writer{f: f, enc: msgpack.NewEncoder(f)}, nil
}

func (w *Writer) WritePrice(q marketstate.PriceQuote) error {
	return w.enc.Encode(Record{
		Type:   recordPrice,
		Venue:  q.Instrument.Venue,
		Symbol: q.Instrument.Symbol,
		Kind:   string(q.Instrument.Kind),
		Price:  q.Price,
		TSMS:   q.ObservedAt.UnixMilli(),
	})
}

func (w *Writer) WriteFunding(q marketstate.FundingQuote) error {
	return w.enc.Encode(Record{
		Type:        recordFunding,
		Venue:       q.Instrument.Venue,
		Symbol:      q.Instrument.Symbol,
		Kind:        string(q.Instrument.Kind),
		Rate:        q.Rate,
		IntervalSec: int64(q.Interval / time.Second),
		TSMS:        q.ObservedAt.UnixMilli(),
	})
}

func (w *Writer) Close() error {
	return w.f.Close()
}

type Reader struct {
	f   *os.File
	dec *msgpack.Decoder
}

func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Reader{f: f, dec: msgpack.NewDecoder(f)}, nil
}

// Next returns the next record, io.EOF at end of stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("decode journal record: %w", err)
	}
	return rec, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// Apply folds a record into the cache.
func Apply(cache *marketstate.Cache, rec Record) {
	switch rec.Type {
	case recordPrice:
		cache.SetPrice(marketstate.PriceQuote{
			Instrument: rec.Instrument(),
			Price:      rec.Price,
			ObservedAt: rec.ObservedAt(),
		})
	case recordFunding:
		cache.SetFunding(marketstate.FundingQuote{
			Instrument: rec.Instrument(),
			Rate:       rec.Rate,
			Interval:   time.Duration(rec.IntervalSec) * time.Second,
			ObservedAt: rec.ObservedAt(),
		})
	}
}
