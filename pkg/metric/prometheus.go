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

package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// namespace prefixes every exported metric name.
const namespace = "vmcore"

// promName converts a metric name such as "/mm/page_faults" into a valid
// Prometheus metric name such as "vmcore_mm_page_faults".
func promName(name string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			continue
		}
		b.WriteByte('_')
		for _, c := range part {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
				b.WriteRune(c)
			default:
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

// family builds the Prometheus representation of s.
func (s *Snapshot) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if s.Metadata.Cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(promName(s.Metadata.Name)),
		Help: proto.String(s.Metadata.Description),
		Type: typ.Enum(),
	}
	sample := func(v uint64, labels ...*dto.LabelPair) *dto.Metric {
		m := &dto.Metric{Label: labels}
		if s.Metadata.Cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(float64(v))}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(float64(v))}
		}
		return m
	}
	if s.FieldValues == nil {
		mf.Metric = append(mf.Metric, sample(s.Value))
		return mf
	}
	field := s.Metadata.Fields[0]
	values := make([]string, 0, len(s.FieldValues))
	for v := range s.FieldValues {
		values = append(values, v)
	}
	sort.Strings(values)
	for _, v := range values {
		mf.Metric = append(mf.Metric, sample(s.FieldValues[v], &dto.LabelPair{
			Name:  proto.String(field.name),
			Value: proto.String(v),
		}))
	}
	return mf
}

// WriteText writes all registered metrics to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	for _, s := range Values() {
		if _, err := expfmt.MetricFamilyToText(w, s.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", s.Metadata.Name, err)
		}
	}
	return nil
}
