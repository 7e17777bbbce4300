package telemetry

import (
	"time"

	"dyntools/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveInvocation(_ string, _ domain.InvocationStatus, _ time.Duration) {}

func (n *NoopMetrics) ObserveProvision(_ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveEviction(_ string) {}

func (n *NoopMetrics) SetActiveEnvironments(_ int) {}

func (n *NoopMetrics) ObserveScan(_ time.Duration, _ int) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
