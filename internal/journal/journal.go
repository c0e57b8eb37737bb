package journal

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"opt-scalp-bot/internal/market"

	"github.com/vmihailenco/msgpack/v5"
)

// Record is one journaled market tick. The journal is an append-only
// msgpack stream so a session can be replayed offline against the same
// decision logic.
type Record struct {
	Exchange string    `msgpack:"e"`
	Symbol   string    `msgpack:"s"`
	LTP      float64   `msgpack:"p"`
	Volume   float64   `msgpack:"v"`
	BidPrice float64   `msgpack:"b"`
	AskPrice float64   `msgpack:"a"`
	BidQty   float64   `msgpack:"bq"`
	AskQty   float64   `msgpack:"aq"`
	At       time.Time `msgpack:"t"`
}

func FromTick(tick market.Tick) Record {
	rec := Record{
		Exchange: tick.Exchange,
		Symbol:   tick.Symbol,
		LTP:      tick.LTP,
		Volume:   tick.Volume,
		BidPrice: tick.BidPrice,
		AskPrice: tick.AskPrice,
		At:       tick.At,
	}
	if len(tick.Depth) > 0 {
		rec.BidQty = tick.Depth[0].BidQty
		rec.AskQty = tick.Depth[0].AskQty
	}
	return rec
}

func (r Record) Tick() market.Tick {
	tick := market.Tick{
		Exchange: r.Exchange,
		Symbol:   r.Symbol,
		LTP:      r.LTP,
		Volume:   r.Volume,
		BidPrice: r.BidPrice,
		AskPrice: r.AskPrice,
		At:       r.At,
	}
	if r.BidQty > 0 || r.AskQty > 0 {
		tick.Depth = []market.DepthLevel{{
			BidPrice: r.BidPrice,
			BidQty:   r.BidQty,
			AskPrice: r.AskPrice,
			AskQty:   r.AskQty,
		}}
	}
	return tick
}

// Writer appends records to a journal file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *msgpack.Encoder
}

func NewWriter(path string) (*Writer, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(file)
	return &Writer{
		file: file,
		buf:  buf,
		enc:  msgpack.NewEncoder(buf),
	}, nil
}

func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(rec)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Replay streams every record in order through fn, stopping on the first
// error or context cancellation.
func Replay(ctx context.Context, path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	dec := msgpack.NewDecoder(bufio.NewReader(file))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
