package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

var ErrInvalidAmount = errors.New("settled amount must be positive")

// Volume is the settled total for one asset or venue.
type Volume struct {
	Legs   uint64 `json:"legs"`
	Amount int64  `json:"amount"` // saturates at math.MaxInt64
}

func (v *Volume) add(amount int64) {
	v.Legs++
	if v.Amount > math.MaxInt64-amount {
		v.Amount = math.MaxInt64
		return
	}
	v.Amount += amount
}

// Collector keeps settled volume per asset and per venue and mirrors it to
// Prometheus. It is the engine's statistics sink and can also observe
// settlement events to count status transitions.
type Collector struct {
	mu      sync.RWMutex
	byAsset map[string]*Volume
	byVenue map[venue.ID]*Volume

	assetVolume  *prometheus.CounterVec
	venueVolume  *prometheus.CounterVec
	legsSettled  prometheus.Counter
	transitions  *prometheus.CounterVec
	pendingGauge prometheus.Gauge
}

// NewCollector registers the collector's metrics with reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		byAsset: make(map[string]*Volume),
		byVenue: make(map[venue.ID]*Volume),
		assetVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Subsystem: "settlement",
			Name:      "asset_volume_total",
			Help:      "Units settled per asset",
		}, []string{"asset"}),
		venueVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Subsystem: "settlement",
			Name:      "venue_volume_total",
			Help:      "Units settled per venue (0 = direct)",
		}, []string{"venue"}),
		legsSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Subsystem: "settlement",
			Name:      "legs_settled_total",
			Help:      "Legs settled across all instructions",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Subsystem: "settlement",
			Name:      "instruction_events_total",
			Help:      "Settlement events by type",
		}, []string{"type"}),
		pendingGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypersettle",
			Subsystem: "settlement",
			Name:      "instructions_pending",
			Help:      "Instructions currently pending",
		}),
	}
}

// RecordSettlement implements settlement.StatsSink.
func (c *Collector) RecordSettlement(v venue.ID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	av, ok := c.byAsset[asset]
	if !ok {
		av = &Volume{}
		c.byAsset[asset] = av
	}
	av.add(amount)
	vv, ok := c.byVenue[v]
	if !ok {
		vv = &Volume{}
		c.byVenue[v] = vv
	}
	vv.add(amount)

	c.assetVolume.WithLabelValues(asset).Add(float64(amount))
	c.venueVolume.WithLabelValues(strconv.FormatUint(uint64(v), 10)).Add(float64(amount))
	c.legsSettled.Inc()
	return nil
}

// Observe counts a settlement event. Wire it to the event bus.
func (c *Collector) Observe(ev settlement.Event) {
	c.transitions.WithLabelValues(string(ev.Type)).Inc()
	switch {
	case ev.Type == settlement.EventCreated:
		c.pendingGauge.Inc()
	case ev.OldStatus == settlement.StatusPending && ev.NewStatus != settlement.StatusPending:
		c.pendingGauge.Dec()
	}
}

func (c *Collector) AssetVolume(asset string) Volume {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.byAsset[asset]; ok {
		return *v
	}
	return Volume{}
}

func (c *Collector) VenueVolume(id venue.ID) Volume {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.byVenue[id]; ok {
		return *v
	}
	return Volume{}
}

// AssetVolumes returns every asset's volume keyed by ticker, with tickers
// sorted for stable output.
func (c *Collector) AssetVolumes() ([]string, map[string]Volume) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.byAsset))
	out := make(map[string]Volume, len(c.byAsset))
	for k, v := range c.byAsset {
		keys = append(keys, k)
		out[k] = *v
	}
	sort.Strings(keys)
	return keys, out
}
