package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// OutboxSource отдаёт состояние очереди событий корзины.
type OutboxSource interface {
	Stats() (domain.OutboxStats, error)
}

// OutboxChecker переводит сервис в degraded, когда события застревают в очереди.
type OutboxChecker struct {
	name       string
	source     OutboxSource
	staleAfter time.Duration
	now        func() time.Time
}

// NewOutboxChecker создаёт проверку очереди событий.
func NewOutboxChecker(name string, source OutboxSource, staleAfter time.Duration) *OutboxChecker {
	return &OutboxChecker{name: name, source: source, staleAfter: staleAfter, now: time.Now}
}

// Check реализует Checker.
func (c *OutboxChecker) Check(context.Context) Check {
	check := Check{Name: c.name, Status: StatusHealthy}

	stats, err := c.source.Stats()
	if err != nil {
		check.Status = StatusDegraded
		check.Message = err.Error()
		return check
	}
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		return check
	}
	if age := c.now().Sub(stats.OldestPendingAt); age > c.staleAfter {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d cart events pending, oldest for %s (dropped %d)",
			stats.PendingCount, age.Truncate(time.Second), stats.Dropped)
	}
	return check
}
