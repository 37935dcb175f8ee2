package domain

import "time"

// Readiness states, ordered from best to worst.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the latest result of one readiness probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is what /readyz renders.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Ready reports whether the instance should receive traffic. A degraded instance still
// accepts status changes; only an error takes it out of rotation.
func (r SystemHealthReport) Ready() bool {
	return r.Status == HealthStatusOK || r.Status == HealthStatusDegraded
}
