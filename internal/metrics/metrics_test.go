package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveExecutionIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveExecution("ok", 0.25)
	m.ObserveExecution("ok", 0.5)

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() == "eryx_execution_total" {
			for _, metric := range f.GetMetric() {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), total)
}

func TestObserveCallbackRecordsPerName(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCallback("fetch", "success", 0.1)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() != "eryx_callback_invocations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelValue(metric, "name") == "fetch" && labelValue(metric, "result") == "success" {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestSetToolServerStateZeroesOtherStates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	states := []string{"spawning", "ready", "closed"}
	m.SetToolServerState("files", states, "ready")

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "eryx_toolserver_state" {
			continue
		}
		for _, metric := range f.GetMetric() {
			values[labelValue(metric, "state")] = metric.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 0.0, values["spawning"])
	assert.Equal(t, 1.0, values["ready"])
	assert.Equal(t, 0.0, values["closed"])
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
