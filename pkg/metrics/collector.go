package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/types"
)

// Source lists the configuration the collector reports on
type Source interface {
	ListHosts() ([]*types.Host, error)
	ListPorts() ([]*types.Port, error)
	ListSubsystems() ([]*types.Subsystem, error)
	ListNamespaces() ([]*types.Namespace, error)
}

// Collector periodically refreshes the configuration gauges
type Collector struct {
	source   Source
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		logger:   log.WithComponent("collector"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectHostMetrics()
	c.collectPortMetrics()
	c.collectSubsystemMetrics()
	c.collectNamespaceMetrics()
}

func stateLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func (c *Collector) collectHostMetrics() {
	hosts, err := c.source.ListHosts()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list hosts")
		return
	}
	HostsTotal.Set(float64(len(hosts)))
}

func (c *Collector) collectPortMetrics() {
	ports, err := c.source.ListPorts()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list ports")
		return
	}

	PortsTotal.Reset()
	for _, port := range ports {
		PortsTotal.WithLabelValues(string(port.AddrTrtype), stateLabel(port.Enabled)).Inc()
	}
}

func (c *Collector) collectSubsystemMetrics() {
	subsystems, err := c.source.ListSubsystems()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list subsystems")
		return
	}
	SubsystemsTotal.Set(float64(len(subsystems)))
}

func (c *Collector) collectNamespaceMetrics() {
	namespaces, err := c.source.ListNamespaces()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list namespaces")
		return
	}

	NamespacesTotal.Reset()
	for _, ns := range namespaces {
		NamespacesTotal.WithLabelValues(string(ns.DeviceType), stateLabel(ns.Enabled)).Inc()
	}
}
