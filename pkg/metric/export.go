// Copyright 2023 The gVisor Authors.
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
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Prefix is prepended to every exported metric name.
const Prefix = "nestvm"

// PrometheusName converts a metric name such as "/vmx/exits" to its
// exported form, "nestvm_vmx_exits".
func PrometheusName(name string) string {
	return Prefix + strings.ReplaceAll(name, "/", "_")
}

// family renders m as a Prometheus counter family with one sample per field
// combination.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	if m.description != "" {
		mf.Help = proto.String(m.description)
	}
	for key := range m.fields {
		metric := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
		}
		for i, v := range m.fieldMapper.keyToMultiField(key) {
			metric.Label = append(metric.Label, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, metric)
	}
	return mf
}

// WriteText writes every metric in r to w in the Prometheus text exposition
// format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, m := range r.sorted() {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return err
		}
	}
	return nil
}

// WriteText writes the default registry to w.
func WriteText(w io.Writer) error {
	return allMetrics.WriteText(w)
}
