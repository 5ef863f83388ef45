package filetdb

import (
	"errors"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gostonefire/filetdb/dberr"
)

var (
	commitsTotal      = metrics.NewCounter(`filetdb_commits_total`)
	cancelsTotal      = metrics.NewCounter(`filetdb_cancels_total`)
	recoveriesTotal   = metrics.NewCounter(`filetdb_recoveries_total`)
	wouldBlockTotal   = metrics.NewCounter(`filetdb_lock_wouldblock_total`)
	clearIfFirstTotal = metrics.NewCounter(`filetdb_clear_if_first_total`)
	commitDuration    = metrics.NewHistogram(`filetdb_commit_duration_seconds`)
)

// WriteMetrics - Writes the counters of all handles in the process in Prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}

// countWouldBlock - Counts denied non-blocking lock requests
func countWouldBlock(err error) {
	if errors.Is(err, dberr.WouldBlock{}) {
		wouldBlockTotal.Inc()
	}
}
