// Copyright 2026 The gVisor Authors.
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

// Package report produces the final account of a run: how the program
// ended and what it moved through its channels.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/manifest"
	"zerovm.dev/zvm/pkg/prometheus"
	"zerovm.dev/zvm/pkg/sentry/kernel"
)

// Format is a report encoding.
type Format string

// Supported formats.
const (
	Text       Format = "text"
	JSON       Format = "json"
	Prometheus Format = "prometheus"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case Text, JSON, Prometheus:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// Channel is the account of one channel.
type Channel struct {
	Alias    string
	Size     int64
	Counters zvm.Limits
	Etag     string
}

// Usage is the host resources consumed by a run.
type Usage struct {
	UserCPU   time.Duration
	SystemCPU time.Duration

	// MaxRSS is the peak resident set size of the zvm process in bytes.
	MaxRSS int64
}

// CurrentUsage returns the resources consumed so far by the calling process.
func CurrentUsage() (Usage, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Usage{}, fmt.Errorf("getrusage: %w", err)
	}
	return Usage{
		UserCPU:   time.Duration(ru.Utime.Nano()),
		SystemCPU: time.Duration(ru.Stime.Nano()),
		// Kilobytes on Linux.
		MaxRSS: int64(ru.Maxrss) * 1024,
	}, nil
}

// Since returns the CPU time consumed after start. The peak resident set is
// not a counter and is kept as is.
func (u Usage) Since(start Usage) Usage {
	return Usage{
		UserCPU:   u.UserCPU - start.UserCPU,
		SystemCPU: u.SystemCPU - start.SystemCPU,
		MaxRSS:    u.MaxRSS,
	}
}

// Report is the account of one run.
type Report struct {
	Node    string
	Program string

	Status   kernel.ExitStatus
	Syscalls uint64
	Elapsed  time.Duration
	Usage    Usage

	Channels []Channel

	// Policy is the manifest the run was started with.
	Policy *manifest.Manifest
}

// Collect builds the report of a run. p is nil when the run failed before
// the process existed.
func Collect(p *kernel.Process, status kernel.ExitStatus, policy *manifest.Manifest, elapsed time.Duration) *Report {
	r := &Report{
		Status:  status,
		Elapsed: elapsed,
	}
	if policy != nil {
		r.Policy = policy.Snapshot()
		r.Node = policy.Node
		r.Program = policy.Program
	}
	if p == nil {
		return r
	}
	r.Syscalls = p.SyscallCount()
	for _, c := range p.Channels().Channels() {
		r.Channels = append(r.Channels, Channel{
			Alias:    c.Alias(),
			Size:     c.Size(),
			Counters: c.Counters(),
			Etag:     c.Etag(),
		})
	}
	return r
}

// Write encodes the report.
func (r *Report) Write(w io.Writer, f Format) error {
	switch f {
	case Text:
		r.log(w, &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
		return nil
	case JSON:
		r.log(w, &logrus.JSONFormatter{DisableTimestamp: true})
		return nil
	case Prometheus:
		_, err := prometheus.Write(w, prometheus.ExportOptions{
			CommentHeader:  fmt.Sprintf("zvm report for %q", r.Node),
			ExporterPrefix: prefix,
		}, r.snapshot())
		return err
	}
	return fmt.Errorf("unknown report format %q", f)
}

func (r *Report) log(w io.Writer, formatter logrus.Formatter) {
	l := logrus.New()
	l.Out = w
	l.SetFormatter(formatter)
	l.SetLevel(logrus.InfoLevel)

	l.WithFields(logrus.Fields{
		"node":       r.Node,
		"program":    r.Program,
		"state":      r.Status.State,
		"exit_code":  r.Status.Code,
		"syscalls":   r.Syscalls,
		"elapsed":    r.Elapsed.String(),
		"user_cpu":   r.Usage.UserCPU.String(),
		"system_cpu": r.Usage.SystemCPU.String(),
		"max_rss":    r.Usage.MaxRSS,
	}).Info("run finished")
	for _, c := range r.Channels {
		fields := logrus.Fields{
			"alias": c.Alias,
			"size":  c.Size,
		}
		for i, v := range c.Counters {
			fields[zvm.Limit(i).String()] = v
		}
		if c.Etag != "" {
			fields["etag"] = c.Etag
		}
		l.WithFields(fields).Info("channel")
	}
}

const prefix = "zvm_"

var (
	runInfo = &prometheus.Metric{
		Name: "run_info",
		Type: prometheus.TypeGauge,
		Help: "Node, program and final state of the run.",
	}
	exitCode = &prometheus.Metric{
		Name: "exit_code",
		Type: prometheus.TypeGauge,
		Help: "Exit code of the sandboxed program.",
	}
	syscalls = &prometheus.Metric{
		Name: "syscalls_total",
		Type: prometheus.TypeCounter,
		Help: "Traps taken by the sandboxed program.",
	}
	elapsed = &prometheus.Metric{
		Name: "elapsed_seconds",
		Type: prometheus.TypeGauge,
		Help: "Wall time of the run.",
	}
	cpu = &prometheus.Metric{
		Name: "cpu_seconds_total",
		Type: prometheus.TypeCounter,
		Help: "CPU time consumed by the run, by mode.",
	}
	maxRSS = &prometheus.Metric{
		Name: "max_rss_bytes",
		Type: prometheus.TypeGauge,
		Help: "Peak resident set size of the zvm process.",
	}
	channelSize = &prometheus.Metric{
		Name: "channel_size_bytes",
		Type: prometheus.TypeGauge,
		Help: "Logical size of the channel at teardown.",
	}
	channelUsage = &prometheus.Metric{
		Name: "channel_usage_total",
		Type: prometheus.TypeCounter,
		Help: "Channel budget consumed, by budget.",
	}
	channelEtag = &prometheus.Metric{
		Name: "channel_etag_info",
		Type: prometheus.TypeGauge,
		Help: "Digest of the bytes moved through the channel.",
	}
)

func (r *Report) snapshot() *prometheus.Snapshot {
	s := prometheus.NewSnapshot()
	s.Add(
		prometheus.LabeledIntData(runInfo, map[string]string{"node": r.Node, "program": r.Program, "state": r.Status.State}, 1),
		prometheus.NewIntData(exitCode, int64(r.Status.Code)),
		prometheus.NewIntData(syscalls, int64(r.Syscalls)),
		prometheus.NewFloatData(elapsed, r.Elapsed.Seconds()),
		prometheus.LabeledFloatData(cpu, map[string]string{"mode": "user"}, r.Usage.UserCPU.Seconds()),
		prometheus.LabeledFloatData(cpu, map[string]string{"mode": "system"}, r.Usage.SystemCPU.Seconds()),
		prometheus.NewIntData(maxRSS, r.Usage.MaxRSS),
	)
	for _, c := range r.Channels {
		s.Add(prometheus.LabeledIntData(channelSize, map[string]string{"alias": c.Alias}, c.Size))
		for i, v := range c.Counters {
			s.Add(prometheus.LabeledIntData(channelUsage, map[string]string{"alias": c.Alias, "budget": zvm.Limit(i).String()}, v))
		}
		if c.Etag != "" {
			s.Add(prometheus.LabeledIntData(channelEtag, map[string]string{"alias": c.Alias, "etag": c.Etag}, 1))
		}
	}
	return s
}

// Read decodes a report written in the Prometheus format. The policy is
// not part of that format and is left nil.
func Read(rd io.Reader) (*Report, error) {
	s, err := prometheus.Read(rd)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &Report{}
	index := make(map[string]int)
	ch := func(alias string) *Channel {
		i, ok := index[alias]
		if !ok {
			i = len(r.Channels)
			index[alias] = i
			r.Channels = append(r.Channels, Channel{Alias: alias})
		}
		return &r.Channels[i]
	}
	limitByName := make(map[string]zvm.Limit, zvm.NumLimits)
	for l := zvm.Limit(0); l < zvm.NumLimits; l++ {
		limitByName[l.String()] = l
	}

	// Channels keep the order of the size series, which has one entry per
	// channel.
	for _, d := range s.Data {
		if d.Metric.Name == prefix+channelSize.Name {
			ch(d.Labels["alias"]).Size = int64(d.Value)
		}
	}

	found := false
	for _, d := range s.Data {
		switch d.Metric.Name {
		case prefix + runInfo.Name:
			r.Node = d.Labels["node"]
			r.Program = d.Labels["program"]
			r.Status.State = d.Labels["state"]
			found = true
		case prefix + exitCode.Name:
			r.Status.Code = int(d.Value)
		case prefix + syscalls.Name:
			r.Syscalls = uint64(d.Value)
		case prefix + elapsed.Name:
			r.Elapsed = time.Duration(d.Value * float64(time.Second))
		case prefix + cpu.Name:
			v := time.Duration(d.Value * float64(time.Second))
			switch d.Labels["mode"] {
			case "user":
				r.Usage.UserCPU = v
			case "system":
				r.Usage.SystemCPU = v
			default:
				return nil, fmt.Errorf("reading report: unknown cpu mode %q", d.Labels["mode"])
			}
		case prefix + maxRSS.Name:
			r.Usage.MaxRSS = int64(d.Value)
		case prefix + channelUsage.Name:
			l, ok := limitByName[d.Labels["budget"]]
			if !ok {
				return nil, fmt.Errorf("reading report: unknown budget %q", d.Labels["budget"])
			}
			ch(d.Labels["alias"]).Counters[l] = int64(d.Value)
		case prefix + channelEtag.Name:
			ch(d.Labels["alias"]).Etag = d.Labels["etag"]
		}
	}
	if !found {
		return nil, fmt.Errorf("reading report: no %s%s metric", prefix, runInfo.Name)
	}
	return r, nil
}
