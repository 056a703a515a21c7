// Copyright 2014 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package stats

import (
	"math"
	"sort"
	"sync/atomic"
)

// percentile maintains a running estimate of one percentile over a bounded
// window of float64 samples. PeerHistogram keeps one of these per
// percentile it reports, so tracking peers-per-torrent doesn't require
// retaining every torrent's peer count seen during an interval.
type percentile struct {
	percentile float64

	samples int64
	offset  int64

	values []float64
	value  uint64 // bits of a float64, read/written atomically.
}

func newPercentile(p float64, window int) *percentile {
	return &percentile{percentile: p, values: make([]float64, 0, window)}
}

// Value returns the current estimate. Safe to call concurrently with
// AddSample.
func (p *percentile) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&p.value))
}

// AddSample folds one more observation into the estimate. Not safe for
// concurrent use: PeerHistogram serializes calls onto the statistics
// reporter's own goroutine.
func (p *percentile) AddSample(sample float64) {
	p.samples++

	if len(p.values) == cap(p.values) {
		target := float64(p.samples)*p.percentile - float64(cap(p.values))/2
		offset := roundHalfAway(math.Max(target, 0))

		if sample > p.values[0] {
			if offset > p.offset {
				idx := sort.SearchFloat64s(p.values[1:], sample)
				copy(p.values, p.values[1:idx+1])
				p.values[idx] = sample
				p.offset++
			} else if sample < p.values[len(p.values)-1] {
				idx := sort.SearchFloat64s(p.values, sample)
				copy(p.values[idx+1:], p.values[idx:])
				p.values[idx] = sample
			}
		} else {
			if offset > p.offset {
				p.offset++
			} else {
				copy(p.values[1:], p.values)
				p.values[0] = sample
			}
		}
	} else {
		idx := sort.SearchFloat64s(p.values, sample)
		p.values = p.values[:len(p.values)+1]
		copy(p.values[idx+1:], p.values[idx:])
		p.values[idx] = sample
	}

	atomic.StoreUint64(&p.value, math.Float64bits(p.values[p.index()]))
}

func (p *percentile) index() int64 {
	idx := roundHalfAway(float64(p.samples)*p.percentile - float64(p.offset))
	if last := int64(len(p.values)) - 1; idx > last {
		return last
	}
	return idx
}

func roundHalfAway(value float64) int64 {
	if value < 0.0 {
		value -= 0.5
	} else {
		value += 0.5
	}
	return int64(value)
}
