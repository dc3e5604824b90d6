package market

import (
	"fmt"
	"sort"
)

// Aggregate synthesizes coarser-interval bars from finer ones. Bars are
// grouped into target-aligned buckets; a bucket is emitted only when at least
// one source bar falls inside it. Within a bucket: open = first, high = max,
// low = min, close = last, volume = sum. The bucket timestamp is the bucket
// open (inclusive).
func Aggregate(bars []Bar, from, to Interval) ([]Bar, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("aggregate: invalid interval pair %q -> %q", from, to)
	}
	if to.Duration() <= from.Duration() {
		return nil, fmt.Errorf("aggregate: target %s not coarser than source %s", to, from)
	}
	if to.Duration()%from.Duration() != 0 {
		return nil, fmt.Errorf("aggregate: %s does not divide %s evenly", from, to)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var out []Bar
	var cur *Bar
	for i := range sorted {
		src := &sorted[i]
		bucket := to.Truncate(src.Timestamp)

		if cur == nil || !cur.Timestamp.Equal(bucket) {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Bar{
				Symbol:        src.Symbol,
				Interval:      to,
				Timestamp:     bucket,
				Open:          src.Open,
				High:          src.High,
				Low:           src.Low,
				Close:         src.Close,
				Volume:        src.Volume,
				IsProvisional: src.IsProvisional,
			}
			continue
		}

		if src.High > cur.High {
			cur.High = src.High
		}
		if src.Low < cur.Low {
			cur.Low = src.Low
		}
		cur.Close = src.Close
		cur.Volume += src.Volume
		// A bucket containing any provisional source bar is itself provisional.
		if src.IsProvisional {
			cur.IsProvisional = true
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out, nil
}
