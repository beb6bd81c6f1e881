package health

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/cartsync/internal/service/coordinator"
)

// SnapshotSource отдаёт текущее состояние синхронизации корзины.
type SnapshotSource interface {
	Snapshot() coordinator.Snapshot
}

// SyncChecker сообщает о состоянии координатора корзины.
type SyncChecker struct {
	name   string
	source SnapshotSource
}

// NewSyncChecker создаёт проверку координатора.
func NewSyncChecker(name string, source SnapshotSource) *SyncChecker {
	return &SyncChecker{name: name, source: source}
}

// Check: закрытый координатор unhealthy. Незавершённое слияние, несохранённая корзина
// и неразрешённая идентичность дают degraded.
func (c *SyncChecker) Check(context.Context) Check {
	snapshot := c.source.Snapshot()
	check := Check{Name: c.name, Status: StatusHealthy}

	switch {
	case snapshot.Phase == coordinator.PhaseClosed:
		check.Status = StatusUnhealthy
		check.Message = "cart coordinator is closed"
	case snapshot.MergePending:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("guest cart merge pending into %s: %s", snapshot.Key, snapshot.LastError)
	case snapshot.Phase == coordinator.PhaseResolvingIdentity && snapshot.LastError != "":
		check.Status = StatusDegraded
		check.Message = "cart identity unresolved: " + snapshot.LastError
	case snapshot.Dirty && snapshot.LastError != "":
		check.Status = StatusDegraded
		check.Message = "cart has unsaved changes: " + snapshot.LastError
	case snapshot.Phase == coordinator.PhaseLoaded && snapshot.LastError != "":
		// корзина открыта пустой после неудачного чтения
		check.Status = StatusDegraded
		check.Message = "cart load failed: " + snapshot.LastError
	}
	return check
}
