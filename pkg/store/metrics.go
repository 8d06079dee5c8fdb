// ABOUTME: Store telemetry metrics interface and implementation for tracking shard level operations
// ABOUTME: Provides instrumentation for save/load/remove, vacuum timing and reclaimed bytes, and clears

package store

import (
	"context"
	"time"

	"github.com/KevoDB/diskmap/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics records store operations. Implementations may be no-op.
type Metrics interface {
	// RecordSave records a save and the encoded bytes it wrote.
	RecordSave(ctx context.Context, shard int, duration time.Duration, bytes int64, err error)

	// RecordLoad records a lookup and whether the key was found.
	RecordLoad(ctx context.Context, shard int, duration time.Duration, found bool, err error)

	// RecordRemove records a removal and whether the key was present.
	RecordRemove(ctx context.Context, shard int, duration time.Duration, found bool, err error)

	// RecordVacuum records the vacuum of one shard.
	RecordVacuum(ctx context.Context, shard int, duration time.Duration, reclaimed int64, err error)

	// RecordClear records a clear of every shard.
	RecordClear(ctx context.Context, duration time.Duration, err error)
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates store metrics on top of tel.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func statusOf(err error) string {
	if err != nil {
		return telemetry.StatusError
	}
	return telemetry.StatusSuccess
}

func (m *storeMetrics) operation(ctx context.Context, op string, shard int, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "diskmap.store."+op+".duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.Int(telemetry.AttrShard, shard),
	)

	m.tel.RecordCounter(ctx, "diskmap.store.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrStatus, statusOf(err)),
	)
}

// RecordSave records save duration, outcome and bytes written.
func (m *storeMetrics) RecordSave(ctx context.Context, shard int, duration time.Duration, bytes int64, err error) {
	m.operation(ctx, telemetry.OpTypePut, shard, duration, err)
	if err == nil {
		m.tel.RecordCounter(ctx, "diskmap.store.put.bytes", bytes,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
			attribute.Int(telemetry.AttrShard, shard),
		)
	}
}

// RecordLoad records load duration, outcome and hits.
func (m *storeMetrics) RecordLoad(ctx context.Context, shard int, duration time.Duration, found bool, err error) {
	m.operation(ctx, telemetry.OpTypeGet, shard, duration, err)

	hit := int64(0)
	if found {
		hit = 1
	}
	m.tel.RecordCounter(ctx, "diskmap.store.get.hits", hit,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
	)
}

// RecordRemove records remove duration and outcome.
func (m *storeMetrics) RecordRemove(ctx context.Context, shard int, duration time.Duration, found bool, err error) {
	m.operation(ctx, telemetry.OpTypeDelete, shard, duration, err)
	if found {
		m.tel.RecordCounter(ctx, "diskmap.store.delete.removed", 1,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		)
	}
}

// RecordVacuum records vacuum duration and the bytes it gave back.
func (m *storeMetrics) RecordVacuum(ctx context.Context, shard int, duration time.Duration, reclaimed int64, err error) {
	m.operation(ctx, telemetry.OpTypeVacuum, shard, duration, err)
	if err == nil {
		m.tel.RecordCounter(ctx, "diskmap.store.vacuum.reclaimed_bytes", reclaimed,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
			attribute.Int(telemetry.AttrShard, shard),
		)
	}
}

// RecordClear records clear duration and outcome.
func (m *storeMetrics) RecordClear(ctx context.Context, duration time.Duration, err error) {
	m.tel.RecordHistogram(ctx, "diskmap.store.clear.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, statusOf(err)),
	)
}

// noopMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopMetrics struct{}

func (n *noopMetrics) RecordSave(ctx context.Context, shard int, duration time.Duration, bytes int64, err error) {
}

func (n *noopMetrics) RecordLoad(ctx context.Context, shard int, duration time.Duration, found bool, err error) {
}

func (n *noopMetrics) RecordRemove(ctx context.Context, shard int, duration time.Duration, found bool, err error) {
}

func (n *noopMetrics) RecordVacuum(ctx context.Context, shard int, duration time.Duration, reclaimed int64, err error) {
}

func (n *noopMetrics) RecordClear(ctx context.Context, duration time.Duration, err error) {}
