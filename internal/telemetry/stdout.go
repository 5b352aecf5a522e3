package telemetry

import (
	"io"

	"github.com/coilsense/ldcstream/internal/logging"
	"github.com/coilsense/ldcstream/ldc"
)

// StdoutReporter logs a one-line summary per decoded batch.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter writing through the given logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.New(logging.Info, logging.Text, io.Discard)
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) ReportBatch(samples []ldc.Sample, errors, overflows uint64) {
	if len(samples) == 0 {
		return
	}
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "samples", Value: len(samples)},
		{Key: "first_time", Value: samples[0].Time},
		{Key: "last_freq_hz", Value: samples[len(samples)-1].Frequency},
	}
	if errors > 0 {
		fields = append(fields, logging.Field{Key: "sensor_errors", Value: errors})
	}
	if overflows > 0 {
		fields = append(fields, logging.Field{Key: "overflows", Value: overflows})
	}
	r.logger.Info("batch decoded", fields...)
}
