package lbe

import (
	"fmt"
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
)

// CellStats accumulates the samples recorded for one (cell, technology)
// pair. Counts only increase.
type CellStats struct {
	// SampleCount is the number of recorded samples, counting a sample once
	// even if it carried both directions.
	SampleCount int
	TxCount     int
	RxCount     int

	// TxKbps and RxKbps are the weighted moving averages.
	TxKbps float64
	RxKbps float64

	LastUpdateMs int64
}

// CellSnapshot is a read-only copy of one tracked entry.
type CellSnapshot struct {
	Cell  CellKey
	RAT   RATClass
	Stats CellStats
}

type statsKey struct {
	cell CellKey
	rat  RATClass
}

// StatStore keeps per-cell bandwidth statistics in a fixed-capacity LRU and
// resolves estimates through the cell, aggregate and carrier-default tiers.
//
// StatStore is not safe for concurrent use.
type StatStore struct {
	config StatsConfig
	log    *zap.Logger
	lru    *simplelru.LRU[statsKey, *CellStats]
}

// NewStatStore creates a store holding at most config.MaxTrackedCells
// entries. onEvict, if non-nil, is called for every entry pushed out by the
// capacity bound.
func NewStatStore(config StatsConfig, log *zap.Logger, onEvict func(cell CellKey, rat RATClass)) (*StatStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &StatStore{config: config, log: log}
	lru, err := simplelru.NewLRU[statsKey, *CellStats](config.MaxTrackedCells, func(k statsKey, v *CellStats) {
		s.log.Debug("evicting cell statistics",
			zap.Stringer("cell", k.cell),
			zap.String("rat", string(k.rat)),
			zap.Int("samples", v.SampleCount))
		if onEvict != nil {
			onEvict(k.cell, k.rat)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("lbe: create stat store: %w", err)
	}
	s.lru = lru
	return s, nil
}

// Len returns the number of tracked entries.
func (s *StatStore) Len() int {
	return s.lru.Len()
}

// Get returns a copy of the statistics for (cell, rat) without affecting
// recency.
func (s *StatStore) Get(cell CellKey, rat RATClass) (CellStats, bool) {
	v, ok := s.lru.Peek(statsKey{cell: cell, rat: rat})
	if !ok {
		return CellStats{}, false
	}
	return *v, true
}

// Record blends sample into the statistics of (cell, rat). Empty samples are
// ignored. It returns the updated statistics.
func (s *StatStore) Record(cell CellKey, rat RATClass, sample Sample) CellStats {
	key := statsKey{cell: cell, rat: rat}
	st, ok := s.lru.Get(key)
	if sample.Empty() {
		if ok {
			return *st
		}
		return CellStats{}
	}
	if !ok {
		st = &CellStats{}
		s.lru.Add(key, st)
	}

	if sample.HasTx {
		st.TxKbps = s.blend(st.TxKbps, st.TxCount, sample.TxKbps)
		st.TxCount++
	}
	if sample.HasRx {
		st.RxKbps = s.blend(st.RxKbps, st.RxCount, sample.RxKbps)
		st.RxCount++
	}
	st.SampleCount++
	st.LastUpdateMs = sample.TimestampMs
	return *st
}

// blend folds v into avg, which already summarizes count samples.
func (s *StatStore) blend(avg float64, count int, v float64) float64 {
	if count == 0 {
		return v
	}
	if r := s.config.OutlierRatio; r > 1 && avg > 0 {
		v = math.Min(math.Max(v, avg/r), avg*r)
	}
	return avg + blendWeight(count+1, s.config.MinBlendWeight)*(v-avg)
}

// blendWeight is the weight of the n-th sample (1-based): 1/n, floored at
// minWeight so the average keeps tracking slow drift.
func blendWeight(n int, minWeight float64) float64 {
	w := 1 / float64(n)
	if w < minWeight {
		return minWeight
	}
	return w
}

// Estimate resolves the estimate for (cell, rat). Each direction falls back
// independently: cell statistics with at least CountThreshold samples, then
// the count-weighted aggregate of every tracked cell of the same operator and
// technology, then defaults.
func (s *StatStore) Estimate(cell CellKey, rat RATClass, defaults Bounds) Estimate {
	est := Estimate{
		TxKbps:   defaults.TxKbps,
		RxKbps:   defaults.RxKbps,
		TxSource: SourceCarrierDefault,
		RxSource: SourceCarrierDefault,
	}
	threshold := s.config.CountThreshold

	var own CellStats
	if st, ok := s.lru.Get(statsKey{cell: cell, rat: rat}); ok {
		own = *st
	}
	txDone, rxDone := false, false
	if own.TxCount >= threshold {
		est.TxKbps, est.TxSource = roundKbps(own.TxKbps), SourceCell
		txDone = true
	}
	if own.RxCount >= threshold {
		est.RxKbps, est.RxSource = roundKbps(own.RxKbps), SourceCell
		rxDone = true
	}
	if txDone && rxDone {
		return est
	}

	agg := s.aggregate(cell.Operator(), rat)
	if !txDone && agg.TxCount >= threshold {
		est.TxKbps, est.TxSource = roundKbps(agg.TxKbps), SourceAggregate
	}
	if !rxDone && agg.RxCount >= threshold {
		est.RxKbps, est.RxSource = roundKbps(agg.RxKbps), SourceAggregate
	}
	return est
}

// aggregate returns count-weighted averages over all tracked cells of
// operator and rat without touching recency.
func (s *StatStore) aggregate(operator string, rat RATClass) CellStats {
	var agg CellStats
	var txSum, rxSum float64
	for _, k := range s.lru.Keys() {
		if k.rat != rat || k.cell.Operator() != operator {
			continue
		}
		st, ok := s.lru.Peek(k)
		if !ok {
			continue
		}
		agg.SampleCount += st.SampleCount
		agg.TxCount += st.TxCount
		agg.RxCount += st.RxCount
		txSum += st.TxKbps * float64(st.TxCount)
		rxSum += st.RxKbps * float64(st.RxCount)
	}
	if agg.TxCount > 0 {
		agg.TxKbps = txSum / float64(agg.TxCount)
	}
	if agg.RxCount > 0 {
		agg.RxKbps = rxSum / float64(agg.RxCount)
	}
	return agg
}

// Snapshot lists tracked entries from least to most recently used.
func (s *StatStore) Snapshot() []CellSnapshot {
	keys := s.lru.Keys()
	out := make([]CellSnapshot, 0, len(keys))
	for _, k := range keys {
		if st, ok := s.lru.Peek(k); ok {
			out = append(out, CellSnapshot{Cell: k.cell, RAT: k.rat, Stats: *st})
		}
	}
	return out
}
