package tally

import (
	"time"

	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
)

// LogReporter writes every reported metric as a zerolog event. Counters carry
// the delta since the previous report.
type LogReporter struct {
	logger zerolog.Logger
}

var _ tally.StatsReporter = (*LogReporter)(nil)

func NewLogReporter(l zerolog.Logger) *LogReporter {
	return &LogReporter{logger: l}
}

func (r *LogReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.event("counter", name, tags).Int64("value", value).Msg("metric")
}

func (r *LogReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.event("gauge", name, tags).Float64("value", value).Msg("metric")
}

func (r *LogReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.event("timer", name, tags).Dur("value", interval).Msg("metric")
}

func (r *LogReporter) ReportHistogramValueSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	r.event("histogram", name, tags).Float64("lower", lower).Float64("upper", upper).Int64("samples", samples).Msg("metric")
}

func (r *LogReporter) ReportHistogramDurationSamples(name string, tags map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	r.event("histogram", name, tags).Dur("lower", lower).Dur("upper", upper).Int64("samples", samples).Msg("metric")
}

func (r *LogReporter) Capabilities() tally.Capabilities {
	return r
}

func (r *LogReporter) Reporting() bool { return true }

func (r *LogReporter) Tagging() bool { return true }

func (r *LogReporter) Flush() {}

func (r *LogReporter) event(kind, name string, tags map[string]string) *zerolog.Event {
	e := r.logger.Info().Str("kind", kind).Str("name", name)
	if len(tags) > 0 {
		e = e.Dict("tags", zerolog.Dict().Fields(toFields(tags)))
	}
	return e
}

func toFields(tags map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		fields[k] = v
	}
	return fields
}
