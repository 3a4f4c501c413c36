// Copyright 2025 The Basalt Authors.
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

package metric

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ExportOptions contains options for exporting.
type ExportOptions struct {
	// Prefix is prepended to every exported metric name.
	Prefix string

	// Comment is added at the top of the export, in comment lines.
	Comment string
}

// escapeHelp escapes a help string per the Prometheus exposition format:
// only backslashes and line breaks need escaping.
func escapeHelp(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\\", "\\\\"), "\n", "\\n")
}

// WritePrometheus writes the current state of all registered metrics in the
// Prometheus text exposition format, documented at
// https://prometheus.io/docs/instrumenting/exposition_formats/
func (r *Registry) WritePrometheus(w io.Writer, options ExportOptions) error {
	bw := bufio.NewWriter(w)
	if options.Comment != "" {
		for _, line := range strings.Split(options.Comment, "\n") {
			if _, err := fmt.Fprintf(bw, "# %s\n", line); err != nil {
				return err
			}
		}
	}
	for _, e := range r.sorted() {
		name := options.Prefix + e.name
		if e.help != "" {
			if _, err := fmt.Fprintf(bw, "# HELP %s %s\n", name, escapeHelp(e.help)); err != nil {
				return err
			}
		}
		typ := "counter"
		if e.typ == TypeGauge {
			typ = "gauge"
		}
		if _, err := fmt.Fprintf(bw, "# TYPE %s %s\n", name, typ); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, "%s %d\n", name, e.value()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
