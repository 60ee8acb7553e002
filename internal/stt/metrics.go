package stt

import (
	"sync/atomic"
	"time"
)

// Metrics are the per-bridge counters. All fields are safe for concurrent use.
type Metrics struct {
	blocks       atomic.Uint64
	bytes        atomic.Uint64
	results      atomic.Uint64
	errors       atomic.Uint64
	dropped      atomic.Uint64
	pollFailures atomic.Uint64
	degraded     atomic.Bool
	createdAt    time.Time
	lastActivity atomic.Int64
}

type MetricsSnapshot struct {
	State        State     `json:"state"`
	Blocks       uint64    `json:"blocks"`
	Bytes        uint64    `json:"bytes"`
	Results      uint64    `json:"results"`
	Errors       uint64    `json:"errors"`
	Dropped      uint64    `json:"dropped"`
	PollFailures uint64    `json:"poll_failures"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Uptime       string    `json:"uptime"`
}

func newMetrics() *Metrics {
	m := &Metrics{createdAt: time.Now().UTC()}
	m.touch()
	return m
}

func (m *Metrics) touch() { m.lastActivity.Store(time.Now().UnixNano()) }

func (m *Metrics) snapshot(s State) MetricsSnapshot {
	return MetricsSnapshot{
		State:        s,
		Blocks:       m.blocks.Load(),
		Bytes:        m.bytes.Load(),
		Results:      m.results.Load(),
		Errors:       m.errors.Load(),
		Dropped:      m.dropped.Load(),
		PollFailures: m.pollFailures.Load(),
		Degraded:     m.degraded.Load(),
		CreatedAt:    m.createdAt,
		LastActivity: time.Unix(0, m.lastActivity.Load()).UTC(),
		Uptime:       time.Since(m.createdAt).Round(time.Second).String(),
	}
}
