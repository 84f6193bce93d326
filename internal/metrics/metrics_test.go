package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("test-agent", "1.0.0")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Verify all metrics are initialized
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"JobsSubmitted", m.JobsSubmitted},
		{"JobSubmitFailures", m.JobSubmitFailures},
		{"JobPollFailures", m.JobPollFailures},
		{"FileOutcomes", m.FileOutcomes},
		{"DefunctFiles", m.DefunctFiles},
		{"Callbacks", m.Callbacks},
		{"PlanningErrors", m.PlanningErrors},
		{"ActiveOperations", m.ActiveOperations},
		{"CycleDuration", m.CycleDuration},
		{"ChannelTimeToStart", m.ChannelTimeToStart},
		{"ChannelQueuedFiles", m.ChannelQueuedFiles},
		{"AgentInfo", m.AgentInfo},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestMetricsCounterIncrement(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("test-agent", "1.0.0")
	m.JobsSubmitted.WithLabelValues("Transfer").Add(3)
	m.DefunctFiles.Inc()

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() == "gridrepl_jobs_submitted_total" {
			found = true
			if len(mf.GetMetric()) == 0 {
				t.Error("No metrics found for gridrepl_jobs_submitted_total")
				continue
			}
			val := mf.GetMetric()[0].GetCounter().GetValue()
			if val != 3 {
				t.Errorf("Expected JobsSubmitted=3, got %f", val)
			}
		}
	}
	if !found {
		t.Error("gridrepl_jobs_submitted_total not found in gathered metrics")
	}
}

func TestMetricsLabels(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("test-agent", "1.0.0")
	m.ChannelTimeToStart.WithLabelValues("CERN-PIC").Set(2)
	m.ChannelTimeToStart.WithLabelValues("CERN-RAL").Set(0)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != "gridrepl_channel_time_to_start_seconds" {
			continue
		}
		if len(mf.GetMetric()) != 2 {
			t.Errorf("Expected 2 channel_time_to_start metrics, got %d", len(mf.GetMetric()))
		}
		for _, m := range mf.GetMetric() {
			hasChannel, hasAgent := false, false
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "channel":
					hasChannel = true
				case "agent":
					hasAgent = true
					if l.GetValue() != "test-agent" {
						t.Errorf("Expected agent=test-agent, got %s", l.GetValue())
					}
				}
			}
			if !hasChannel || !hasAgent {
				t.Error("Missing expected labels on channel_time_to_start metric")
			}
		}
	}
}

func TestAgentInfoMetric(t *testing.T) {
	freshRegistry(t)

	_ = InitMetrics("agent-7", "2.0.0")

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "gridrepl_agent_info" {
			continue
		}
		found = true
		if len(mf.GetMetric()) != 1 {
			t.Errorf("Expected 1 agent_info metric, got %d", len(mf.GetMetric()))
			continue
		}
		labels := make(map[string]string)
		for _, l := range mf.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["agent"] != "agent-7" || labels["version"] != "2.0.0" {
			t.Errorf("Unexpected agent_info labels: %v", labels)
		}
	}
	if !found {
		t.Error("gridrepl_agent_info not found")
	}
}
