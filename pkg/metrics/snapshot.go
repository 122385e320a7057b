package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// WriteSnapshot gathers the registry and writes it in text exposition
// format, atomically (temp + rename) so the supervisor never reads a
// half-written snapshot.
func (p *PrometheusRecorder) WriteSnapshot(path string) error {
	families, err := p.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("encode family %s: %w", mf.GetName(), err)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ParseSnapshot reads one child's text-format snapshot back into metric
// families keyed by name.
func ParseSnapshot(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", filepath.Base(path), err)
	}
	return families, nil
}

// SumSnapshots totals counter and gauge families across several child
// snapshots, keyed by family name. Histograms contribute their sample
// sums. Unreadable snapshots are skipped and reported in the second
// return value.
func SumSnapshots(paths []string) (map[string]float64, []error) {
	totals := make(map[string]float64)
	var errs []error

	for _, path := range paths {
		families, err := ParseSnapshot(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for name, mf := range families {
			for _, m := range mf.GetMetric() {
				switch mf.GetType() {
				case dto.MetricType_COUNTER:
					totals[name] += m.GetCounter().GetValue()
				case dto.MetricType_GAUGE:
					totals[name] += m.GetGauge().GetValue()
				case dto.MetricType_HISTOGRAM:
					totals[name] += m.GetHistogram().GetSampleSum()
				default:
				}
			}
		}
	}
	return totals, errs
}
