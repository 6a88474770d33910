package series

import "time"

const journalSize = 512

// PricePoint is one observed price of a symbol. Seq increases by one per point.
type PricePoint struct {
	Seq   uint64
	Price float64
	At    time.Time
}

// journal keeps the most recent observed prices of one symbol.
type journal struct {
	points [journalSize]PricePoint
	seq    uint64
}

func (j *journal) record(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	if j.seq > 0 && j.points[(j.seq-1)%journalSize].Price == price {
		return
	}
	j.seq++
	j.points[(j.seq-1)%journalSize] = PricePoint{Seq: j.seq, Price: price, At: at}
}

// since returns points with Seq > after. truncated is set when older points were overwritten.
func (j *journal) since(after uint64) (points []PricePoint, truncated bool) {
	if after >= j.seq {
		return nil, false
	}
	oldest := uint64(1)
	if j.seq > journalSize {
		oldest = j.seq - journalSize + 1
	}
	from := after + 1
	if from < oldest {
		from = oldest
		truncated = true
	}
	points = make([]PricePoint, 0, j.seq-from+1)
	for s := from; s <= j.seq; s++ {
		points = append(points, j.points[(s-1)%journalSize])
	}
	return points, truncated
}
