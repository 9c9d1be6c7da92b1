package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var prometheusStorageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "memberdb",
	Subsystem: "storage",
	Name:      "errors",
	Help:      "Storage driver errors by operation",
}, []string{"operation", "file"})

func init() {
	prometheus.MustRegister(prometheusStorageErrors)
}

func prometheusRecordStorageError(operation, file string) {
	prometheusStorageErrors.With(prometheus.Labels{
		"operation": operation,
		"file":      file,
	}).Inc()
}
