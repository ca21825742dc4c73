package httpserver

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/labtelemetry/internal/sampler"
	"github.com/skobkin/labtelemetry/internal/telemetry"
)

const metricsNamespace = "labtelemetry"

type readingsCollector struct {
	source   Source
	readings []readingMetric

	cycles         *prometheus.Desc
	failures       *prometheus.Desc
	consecutive    *prometheus.Desc
	chunks         *prometheus.Desc
	decodeErrors   *prometheus.Desc
	frameErrors    *prometheus.Desc
	outliers       *prometheus.Desc
	rotations      *prometheus.Desc
	published      *prometheus.Desc
	publishErrors  *prometheus.Desc
	lastSuccessAge *prometheus.Desc
}

type readingMetric struct {
	desc    *prometheus.Desc
	labels  []string
	extract func(snap sampler.Snapshot) (float64, bool)
}

func newReadingsCollector(source Source) prometheus.Collector {
	if source == nil {
		return nil
	}

	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			labels,
			nil,
		)
	}
	pressure := desc("reading", "pressure", "Latest corrected pressure per gauge channel.", "channel")
	temperature := desc("reading", "temperature_celsius", "Latest thermistor temperature in Celsius.", "channel")
	voltage := desc("reading", "voltage_volts", "Latest corrected sensor voltage.", "channel")

	c := &readingsCollector{
		source:         source,
		cycles:         desc("cycle", "completed_total", "Cycles whose lines were appended to every log file."),
		failures:       desc("cycle", "failures_total", "Failed cycle attempts by class.", "class"),
		consecutive:    desc("cycle", "consecutive_failures", "Failed attempts since the last completed cycle."),
		chunks:         desc("stream", "chunks_total", "Chunks read from the readout stream."),
		decodeErrors:   desc("stream", "decode_errors_total", "Chunks discarded because they were not valid text."),
		frameErrors:    desc("stream", "frame_errors_total", "Chunks discarded because no complete frame could be extracted."),
		outliers:       desc("cycle", "outlier_filtered_total", "Channel columns that needed outlier rejection."),
		rotations:      desc("logs", "rotations_total", "Day boundaries crossed by the log files."),
		published:      desc("mqtt", "published_total", "Snapshots published to the broker."),
		publishErrors:  desc("mqtt", "publish_errors_total", "Snapshots that failed to publish."),
		lastSuccessAge: desc("cycle", "last_success_age_seconds", "Seconds since the last completed cycle."),
	}

	c.readings = []readingMetric{
		{desc: pressure, labels: []string{telemetry.ChannelRoom}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Reading.PressureRoom, true }},
		{desc: pressure, labels: []string{telemetry.ChannelCryo}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Reading.PressureCryo, true }},
		{desc: pressure, labels: []string{"foreline"}, extract: func(s sampler.Snapshot) (float64, bool) { return parseGaugeValue(s.Foreline) }},
		{desc: temperature, labels: []string{telemetry.ChannelICR}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Reading.TemperatureICR, true }},
		{desc: temperature, labels: []string{telemetry.ChannelICH}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Reading.TemperatureICH, true }},
		{desc: voltage, labels: []string{telemetry.ChannelRoom}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Voltages.Room, true }},
		{desc: voltage, labels: []string{telemetry.ChannelCryo}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Voltages.Cryo, true }},
		{desc: voltage, labels: []string{telemetry.ChannelICR}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Voltages.ICR, true }},
		{desc: voltage, labels: []string{telemetry.ChannelICH}, extract: func(s sampler.Snapshot) (float64, bool) { return s.Voltages.ICH, true }},
		{
			desc: desc("reading", "timestamp_seconds", "Unix timestamp of the latest reading."),
			extract: func(s sampler.Snapshot) (float64, bool) {
				if s.Timestamp.IsZero() {
					return 0, false
				}
				return float64(s.Timestamp.Unix()), true
			},
		},
	}

	return c
}

// parseGaugeValue reads the gauge's verbatim reply, e.g. "7.60E+02".
func parseGaugeValue(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *readingsCollector) Describe(ch chan<- *prometheus.Desc) {
	seen := make(map[*prometheus.Desc]struct{})
	for _, metric := range c.readings {
		if _, ok := seen[metric.desc]; ok {
			continue
		}
		seen[metric.desc] = struct{}{}
		ch <- metric.desc
	}
	for _, d := range []*prometheus.Desc{
		c.cycles, c.failures, c.consecutive, c.chunks, c.decodeErrors, c.frameErrors,
		c.outliers, c.rotations, c.published, c.publishErrors, c.lastSuccessAge,
	} {
		ch <- d
	}
}

func (c *readingsCollector) Collect(ch chan<- prometheus.Metric) {
	if snap, ok := c.source.Latest(); ok {
		for _, metric := range c.readings {
			value, ok := metric.extract(snap)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, metric.labels...)
		}
	}

	stats := c.source.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.cycles, stats.Cycles)
	counter(c.chunks, stats.Chunks)
	counter(c.decodeErrors, stats.DecodeErrors)
	counter(c.frameErrors, stats.FrameErrors)
	counter(c.outliers, stats.OutliersFiltered)
	counter(c.rotations, stats.Rotations)
	counter(c.published, stats.Published)
	counter(c.publishErrors, stats.PublishErrors)
	for _, class := range sampler.FailureClasses {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.Failures[class]), string(class))
	}
	ch <- prometheus.MustNewConstMetric(c.consecutive, prometheus.GaugeValue, float64(stats.ConsecutiveFailures))

	if !stats.LastSuccess.IsZero() {
		age := time.Since(stats.LastSuccess).Seconds()
		if age < 0 {
			age = 0
		}
		ch <- prometheus.MustNewConstMetric(c.lastSuccessAge, prometheus.GaugeValue, age)
	}
}
