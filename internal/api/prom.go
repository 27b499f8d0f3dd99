package api

import (
	"codeberg.org/mkrell/psumon/internal/psu"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "psumon_history_records_total",
		Help: "History records accepted from the power supply",
	})
	resetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "psumon_history_resets_total",
		Help: "Times the stored history was discarded and restarted",
	})
	readFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "psumon_read_failures_total",
		Help: "Failed reads of the power supply history attribute",
	})
	historyRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psumon_history_records",
		Help: "Records currently held in the history buffer",
	})
	averageWatts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psumon_average_power_watts",
		Help: "Average input power of the newest history record",
	})
	maximumWatts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "psumon_maximum_power_watts",
		Help: "Maximum input power of the newest history record",
	})
)

func init() {
	prometheus.MustRegister(
		recordsTotal,
		resetsTotal,
		readFailuresTotal,
		historyRecords,
		averageWatts,
		maximumWatts,
	)
}

// ObserveSample updates the Prometheus collectors for one accepted
// history sample
func ObserveSample(snap *psu.Snapshot) {
	if snap == nil {
		return
	}

	if snap.HistoryReset {
		resetsTotal.Inc()
	}

	historyRecords.Set(float64(snap.RecordCount))

	if snap.RecordCount > 0 {
		recordsTotal.Inc()
		averageWatts.Set(float64(snap.AverageWatts))
		maximumWatts.Set(float64(snap.MaximumWatts))
	}
}

// ObserveReadFailure counts one failed poll
func ObserveReadFailure() {
	readFailuresTotal.Inc()
}
