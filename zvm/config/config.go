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


// Package config provides basic infrastructure to set configuration settings
// for zvm. Each setting that can be changed from the command line must be
// added to Config, tagged with the flag name, and registered in
// RegisterFlags.
package config

import (
	"fmt"
	"reflect"
	"time"

	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/report"
)

// Config holds configuration that is not part of the manifest.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain the variables understood by log.PatternOpts.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug: text or json.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows logs to also be sent to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Platform is the platform the program runs on.
	Platform string `flag:"platform"`

	// ReplayScript is the trap script read by the replay platform.
	ReplayScript string `flag:"replay-script"`

	// SkipValidation loads programs even if the validator rejects them.
	SkipValidation bool `flag:"skip-validation"`

	// ReportFormat is the encoding of the final report.
	ReportFormat string `flag:"report-format"`

	// Timeout overrides the manifest wall-clock ceiling when positive.
	Timeout time.Duration `flag:"timeout"`
}

func (c *Config) validate() error {
	switch c.DebugLogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.DebugLogFormat)
	}
	if _, err := report.ParseFormat(c.ReportFormat); err != nil {
		return err
	}
	if c.Platform == "" {
		return fmt.Errorf("platform cannot be empty")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative: %v", c.Timeout)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
