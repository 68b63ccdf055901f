// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prometheus exports run statistics in the Prometheus text
// exposition format and reads them back.
package prometheus

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

func (t Type) proto() *dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE.Enum()
	case TypeCounter:
		return dto.MetricType_COUNTER.Enum()
	}
	return dto.MetricType_UNTYPED.Enum()
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// Data is an observation of the value of a single metric at a certain point in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the observed value.
	Value float64 `json:"val"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Value: float64(val)}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: float64(val)}
}

// NewFloatData returns a new Data struct with the given metric and value.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Value: val}
}

// LabeledFloatData returns a new Data struct with the given metric, labels, and value.
func LabeledFloatData(metric *Metric, labels map[string]string, val float64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: val}
}

func (d *Data) proto(when time.Time) *dto.Metric {
	m := &dto.Metric{TimestampMs: ptr(when.UnixMilli())}
	names := make([]string, 0, len(d.Labels))
	for k := range d.Labels {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		m.Label = append(m.Label, &dto.LabelPair{Name: ptr(k), Value: ptr(d.Labels[k])})
	}
	switch d.Metric.Type {
	case TypeGauge:
		m.Gauge = &dto.Gauge{Value: ptr(d.Value)}
	case TypeCounter:
		m.Counter = &dto.Counter{Value: ptr(d.Value)}
	default:
		m.Untyped = &dto.Untyped{Value: ptr(d.Value)}
	}
	return m
}

func ptr[T any](v T) *T {
	return &v
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	// Note that Prometheus ultimately encodes timestamps as millisecond-precision int64s from epoch.
	When time.Time `json:"when,omitempty"`

	// Data is the whole snapshot data.
	// Each Data must be a unique combination of (Metric, Labels) within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// families groups the data by metric name, in name order.
func (s *Snapshot) families(prefix string) ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	var names []string
	for _, d := range s.Data {
		name := prefix + d.Metric.Name
		mf, ok := byName[name]
		if !ok {
			mf = &dto.MetricFamily{Name: ptr(name), Type: d.Metric.Type.proto()}
			if d.Metric.Help != "" {
				mf.Help = ptr(d.Metric.Help)
			}
			byName[name] = mf
			names = append(names, name)
		} else if mf.GetType() != *d.Metric.Type.proto() {
			return nil, fmt.Errorf("metric %q reported with two types", name)
		}
		mf.Metric = append(mf.Metric, d.proto(s.When))
	}
	slices.Sort(names)
	out := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	return out, nil
}

// ExportOptions contains options that control how metric data is exported in Prometheus format.
type ExportOptions struct {
	// CommentHeader is prepended as a comment before any metric data is exported.
	CommentHeader string

	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string
}

// Write writes the snapshot to w and returns the number of bytes written.
func Write(w io.Writer, options ExportOptions, s *Snapshot) (int, error) {
	families, err := s.families(options.ExporterPrefix)
	if err != nil {
		return 0, err
	}
	written := 0
	if options.CommentHeader != "" {
		for _, line := range strings.Split(options.CommentHeader, "\n") {
			n, err := io.WriteString(w, "# "+line+"\n")
			written += n
			if err != nil {
				return written, err
			}
		}
	}
	for _, mf := range families {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Read parses text written by Write. Metric names keep their exporter
// prefix.
func Read(r io.Reader) (*Snapshot, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	slices.Sort(names)

	s := &Snapshot{}
	for _, name := range names {
		mf := families[name]
		metric := &Metric{Name: name, Help: mf.GetHelp()}
		switch mf.GetType() {
		case dto.MetricType_GAUGE:
			metric.Type = TypeGauge
		case dto.MetricType_COUNTER:
			metric.Type = TypeCounter
		case dto.MetricType_UNTYPED:
			metric.Type = TypeUntyped
		default:
			return nil, fmt.Errorf("metric %q has unsupported type %v", name, mf.GetType())
		}
		for _, m := range mf.GetMetric() {
			d := &Data{Metric: metric}
			if labels := m.GetLabel(); len(labels) > 0 {
				d.Labels = make(map[string]string, len(labels))
				for _, lp := range labels {
					d.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			switch metric.Type {
			case TypeGauge:
				d.Value = m.GetGauge().GetValue()
			case TypeCounter:
				d.Value = m.GetCounter().GetValue()
			default:
				d.Value = m.GetUntyped().GetValue()
			}
			if ts := m.GetTimestampMs(); ts != 0 {
				s.When = time.UnixMilli(ts)
			}
			s.Data = append(s.Data, d)
		}
	}
	return s, nil
}

// Lookup returns the value of the named metric with exactly the given
// labels.
func (s *Snapshot) Lookup(name string, labels map[string]string) (float64, bool) {
	for _, d := range s.Data {
		if d.Metric.Name != name || len(d.Labels) != len(labels) {
			continue
		}
		match := true
		for k, v := range labels {
			if d.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return d.Value, true
		}
	}
	return 0, false
}
