// Package metrics exports per-backup gauges to a Prometheus textfile
// collector path, written atomically (temp file + rename) so a concurrent
// node_exporter scrape never observes a partial file.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Type labels the kind of quantity a gauge observation represents.
type Type string

const (
	TypeUnique   Type = "unique"
	TypeExtern   Type = "extern"
	TypeMetadata Type = "metadata"
	TypeData     Type = "data"
	TypeUploaded Type = "uploaded"
)

// Exporter owns the gauge vectors for one process run and knows how to
// flush them to the configured textfile path.
type Exporter struct {
	path string

	registry   *prometheus.Registry
	files      *prometheus.GaugeVec
	filesSize  *prometheus.GaugeVec
	size       *prometheus.GaugeVec
	totalSize  *prometheus.GaugeVec
}

// New creates an Exporter. path may be empty, in which case Flush is a
// no-op (Prometheus export is optional per config).
func New(path string) *Exporter {
	registry := prometheus.NewRegistry()
	e := &Exporter{
		path:     path,
		registry: registry,
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_files",
			Help: "Number of files recorded in the most recent backup, by type.",
		}, []string{"name", "type"}),
		filesSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_files_size",
			Help: "Total declared size of files recorded in the most recent backup, by type.",
		}, []string{"name", "type"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_size",
			Help: "Size of the most recent backup's archive outputs, by type.",
		}, []string{"name", "type"}),
		totalSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_total_size",
			Help: "Cumulative size of all backups in storage for this config, by type.",
		}, []string{"name", "type"}),
	}
	registry.MustRegister(e.files, e.filesSize, e.size, e.totalSize)
	return e
}

func (e *Exporter) ObserveFiles(name string, t Type, count int) {
	e.files.WithLabelValues(name, string(t)).Set(float64(count))
}

func (e *Exporter) ObserveFilesSize(name string, t Type, bytes int64) {
	e.filesSize.WithLabelValues(name, string(t)).Set(float64(bytes))
}

func (e *Exporter) ObserveSize(name string, t Type, bytes int64) {
	e.size.WithLabelValues(name, string(t)).Set(float64(bytes))
}

func (e *Exporter) ObserveTotalSize(name string, t Type, bytes int64) {
	e.totalSize.WithLabelValues(name, string(t)).Set(float64(bytes))
}

// Flush writes the current gauge values to the textfile path atomically.
// A no-op if no path was configured.
func (e *Exporter) Flush() error {
	if e.path == "" {
		return nil
	}

	metricFamilies, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}

	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, ".metrics-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("metrics: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("metrics: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		return fmt.Errorf("metrics: rename into place: %w", err)
	}
	return nil
}
