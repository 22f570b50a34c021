package aggregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotFanouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapfleet_snapshot_fanouts_total",
		Help: "Fleet-wide snapshot listing fan-outs performed.",
	})
	snapshotCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapfleet_snapshot_cache_hits_total",
		Help: "Snapshot listings served from the cache.",
	})
	triggerFanouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapfleet_backup_triggers_total",
		Help: "Fleet-wide backup trigger fan-outs performed.",
	})
)
