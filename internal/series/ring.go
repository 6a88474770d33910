package series

import "TradeSentinel/internal/model"

// ring is a fixed-capacity candle buffer ordered oldest to newest.
type ring struct {
	buf   []model.Candle
	start int
	n     int
}

func newRing(capacity int) ring {
	return ring{buf: make([]model.Candle, capacity)}
}

func (r *ring) len() int { return r.n }

func (r *ring) at(i int) model.Candle {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) last() (model.Candle, bool) {
	if r.n == 0 {
		return model.Candle{}, false
	}
	return r.at(r.n - 1), true
}

func (r *ring) setLast(c model.Candle) {
	r.buf[(r.start+r.n-1)%len(r.buf)] = c
}

// push appends c, evicting the oldest candle when full.
func (r *ring) push(c model.Candle) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = c
		r.n++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

// tail copies the newest count candles.
func (r *ring) tail(count int) []model.Candle {
	if count > r.n {
		count = r.n
	}
	if count <= 0 {
		return nil
	}
	out := make([]model.Candle, count)
	offset := r.n - count
	for i := range out {
		out[i] = r.at(offset + i)
	}
	return out
}

func (r *ring) reset(candles []model.Candle) {
	r.start, r.n = 0, 0
	for _, c := range candles {
		r.push(c)
	}
}
