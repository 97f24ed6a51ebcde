// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppMetrics a collection of metrics our application will expose
type AppMetrics struct {
	// PortState tracks the state machine position of each AHCI port.
	PortState *prometheus.GaugeVec
	// PortResetsTotal counts full port resets, per port.
	PortResetsTotal *prometheus.CounterVec
	// CommandsIssuedTotal counts commands handed to the hardware, per port.
	CommandsIssuedTotal *prometheus.CounterVec
	// CommandCompletionsTotal counts slot completions per port and outcome.
	CommandCompletionsTotal *prometheus.CounterVec
	// PendingRequests shows how many virtio requests wait for a free slot.
	PendingRequests *prometheus.GaugeVec
	// RequestsTotal counts virtio requests per device and final status.
	RequestsTotal *prometheus.CounterVec
	// ConnectedClients shows the number of bound virtio interfaces.
	ConnectedClients prometheus.Gauge
	// DevicesTotal shows the number of discovered devices and partitions.
	DevicesTotal *prometheus.GaugeVec
}

var Metrics AppMetrics

func init() {
	Metrics.PortState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ahci_port_state",
			Help: "State machine position of each AHCI port.",
		},
		[]string{"port"},
	)
	Metrics.PortResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahci_port_resets_total",
			Help: "Number of full port resets performed.",
		},
		[]string{"port"},
	)
	Metrics.CommandsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahci_commands_issued_total",
			Help: "Number of commands issued to the hardware.",
		},
		[]string{"port"},
	)
	Metrics.CommandCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahci_command_completions_total",
			Help: "Number of slot completions by outcome.",
		},
		[]string{"port", "outcome"},
	)
	Metrics.PendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ahci_pending_requests",
			Help: "Virtio requests queued waiting for a free command slot.",
		},
		[]string{"device"},
	)
	Metrics.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ahci_virtio_requests_total",
			Help: "Virtio block requests processed, by final status.",
		},
		[]string{"device", "status"},
	)
	Metrics.ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ahci_connected_clients",
			Help: "Number of bound virtio-block interfaces.",
		},
	)
	Metrics.DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ahci_devices_total",
			Help: "Number of discovered devices by kind.",
		},
		[]string{"kind"},
	)

	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(Metrics.PortState)
	prometheus.MustRegister(Metrics.PortResetsTotal)
	prometheus.MustRegister(Metrics.CommandsIssuedTotal)
	prometheus.MustRegister(Metrics.CommandCompletionsTotal)
	prometheus.MustRegister(Metrics.PendingRequests)
	prometheus.MustRegister(Metrics.RequestsTotal)
	prometheus.MustRegister(Metrics.ConnectedClients)
	prometheus.MustRegister(Metrics.DevicesTotal)
}
