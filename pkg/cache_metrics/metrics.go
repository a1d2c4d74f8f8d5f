// Package cache_metrics exports host cache events as prometheus metrics.
package cache_metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmkol/hostcache/pkg/hostcache"
)

// Observer implements hostcache.Observer.
type Observer struct {
	set         *prometheus.CounterVec
	lookup      *prometheus.CounterVec
	erase       *prometheus.CounterVec
	updateDelta *prometheus.CounterVec

	updateStaleExpiredBy prometheus.Histogram
	lookupStaleExpiredBy prometheus.Histogram
	eraseStaleExpiredBy  prometheus.Histogram
	eraseValidFor        prometheus.Histogram
	staleNetworkChanges  *prometheus.HistogramVec
	staleHits            *prometheus.HistogramVec
}

var _ hostcache.Observer = (*Observer)(nil)

var timeBuckets = []float64{1, 10, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600}

// NewObserver creates an Observer and registers its collectors on reg.
// Metric names carry no namespace; wrap reg with a prefix.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		set: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "set_total",
			Help: "The total number of Set calls by outcome",
		}, []string{"outcome"}),
		lookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookup_total",
			Help: "The total number of lookups by outcome",
		}, []string{"outcome"}),
		erase: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erase_total",
			Help: "The total number of removed entries by reason",
		}, []string{"reason", "stale"}),
		updateDelta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_stale_delta_total",
			Help: "How address lists changed when a stale entry was replaced",
		}, []string{"delta"}),
		updateStaleExpiredBy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "update_stale_expired_by_seconds",
			Help:    "How long a replaced stale entry had been expired",
			Buckets: timeBuckets,
		}),
		lookupStaleExpiredBy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookup_stale_expired_by_seconds",
			Help:    "How long an entry served stale had been expired",
			Buckets: timeBuckets,
		}),
		eraseStaleExpiredBy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "erase_stale_expired_by_seconds",
			Help:    "How long a removed stale entry had been expired",
			Buckets: timeBuckets,
		}),
		eraseValidFor: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "erase_valid_for_seconds",
			Help:    "Remaining lifetime of removed valid entries",
			Buckets: timeBuckets,
		}),
		staleNetworkChanges: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stale_network_changes",
			Help:    "Network changes since stale entries were stored",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}, []string{"event"}),
		staleHits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stale_hits",
			Help:    "Stale hits served from an entry before it was replaced or removed",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"event"}),
	}

	for _, c := range [...]prometheus.Collector{
		o.set, o.lookup, o.erase, o.updateDelta,
		o.updateStaleExpiredBy, o.lookupStaleExpiredBy, o.eraseStaleExpiredBy, o.eraseValidFor,
		o.staleNetworkChanges, o.staleHits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnSetOutcome(outcome hostcache.SetOutcome, stale hostcache.Staleness, delta hostcache.AddressListDelta) {
	o.set.WithLabelValues(outcome.String()).Inc()
	if outcome != hostcache.SetUpdateStale {
		return
	}
	o.updateStaleExpiredBy.Observe(stale.ExpiredBy.Seconds())
	o.staleNetworkChanges.WithLabelValues("update").Observe(float64(stale.NetworkChanges))
	o.staleHits.WithLabelValues("update").Observe(float64(stale.StaleHits))
	o.updateDelta.WithLabelValues(delta.String()).Inc()
}

func (o *Observer) OnLookupOutcome(outcome hostcache.LookupOutcome, stale hostcache.Staleness) {
	o.lookup.WithLabelValues(outcome.String()).Inc()
	if outcome != hostcache.LookupHitStale {
		return
	}
	o.lookupStaleExpiredBy.Observe(stale.ExpiredBy.Seconds())
	o.staleNetworkChanges.WithLabelValues("lookup").Observe(float64(stale.NetworkChanges))
}

func (o *Observer) OnEraseOutcome(reason hostcache.EraseReason, stale hostcache.Staleness) {
	isStale := stale.IsStale()
	o.erase.WithLabelValues(reason.String(), strconv.FormatBool(isStale)).Inc()
	if isStale {
		o.eraseStaleExpiredBy.Observe(stale.ExpiredBy.Seconds())
		o.staleNetworkChanges.WithLabelValues("erase").Observe(float64(stale.NetworkChanges))
		o.staleHits.WithLabelValues("erase").Observe(float64(stale.StaleHits))
	} else {
		o.eraseValidFor.Observe((-stale.ExpiredBy).Seconds())
	}
}
