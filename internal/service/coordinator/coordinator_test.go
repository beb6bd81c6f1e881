package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/identity"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/session"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

var (
	guestKey   = domain.GuestKey("s-1")
	accountKey = domain.AccountKey("u-1")
)

type CoordinatorSuite struct {
	suite.Suite

	ctx       context.Context
	storage   *fakeStorage
	kv        *switchableKV
	provider  *identity.Provider
	publisher *recordingPublisher
	registry  *prometheus.Registry
	coord     *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.storage = newFakeStorage()
	s.kv = &switchableKV{KVStore: memory.NewKVStore()}
	s.provider = identity.NewProvider(loggerForTests())
	s.publisher = &recordingPublisher{}
	s.registry = prometheus.NewRegistry()

	sessions := session.NewManager(s.kv,
		session.WithIDGenerator(func() string { return "s-1" }),
		session.WithLogger(loggerForTests()),
	)
	s.coord = New(sessions, s.provider, s.storage,
		WithLogger(loggerForTests()),
		WithMetrics(metrics.NewSyncMetricsWithRegisterer(s.registry)),
		WithEventPublisher(s.publisher),
		WithOperationTimeout(time.Second),
	)
}

func (s *CoordinatorSuite) TearDownTest() {
	s.Require().NoError(s.coord.Close())
}

func (s *CoordinatorSuite) start() {
	s.Require().NoError(s.coord.Start(s.ctx))
	s.idle()
}

func (s *CoordinatorSuite) idle() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(s.coord.WaitIdle(ctx))
}

func (s *CoordinatorSuite) add(id string, qty int) {
	s.Require().NoError(s.coord.AddToCart(s.ctx, item(id), qty))
}

func (s *CoordinatorSuite) refresh() error {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	return s.coord.RefreshCart(ctx)
}

func (s *CoordinatorSuite) stored(key domain.CartKey) string {
	record, ok := s.storage.record(key)
	s.Require().True(ok, "no record under %s", key)
	return summary(record.Items)
}

func (s *CoordinatorSuite) absent(key domain.CartKey) {
	_, ok := s.storage.record(key)
	s.Require().False(ok, "record under %s must be absent", key)
}

func (s *CoordinatorSuite) view() string {
	return summary(s.coord.Snapshot().Items)
}

func (s *CoordinatorSuite) TestFreshGuestAddPersistsLocally() {
	s.start()

	snapshot := s.coord.Snapshot()
	s.Equal(guestKey, snapshot.Key)
	s.Equal(PhaseLoaded, snapshot.Phase)
	s.Empty(snapshot.Items)

	s.add("A", 1)
	s.idle()

	s.Equal("A:1", s.view())
	s.Equal("A:1", s.stored(guestKey))
	s.Equal([]string{"load guest:s-1", "save guest:s-1"}, s.storage.opsLog())
}

func (s *CoordinatorSuite) TestSignInMergesGuestIntoAccount() {
	s.storage.seed(accountKey, withQty("C", 1), withQty("A", 1))
	s.start()

	s.add("A", 1)
	s.add("B", 1)
	s.idle()

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	snapshot := s.coord.Snapshot()
	s.Equal(accountKey, snapshot.Key)
	s.Equal(PhaseLoaded, snapshot.Phase)
	s.Equal("C:1,A:2,B:1", summary(snapshot.Items))
	s.Equal("C:1,A:2,B:1", s.stored(accountKey))
	s.absent(guestKey)
	s.Equal(1, s.storage.count("save account:u-1"))
	s.Equal(1, s.storage.count("delete guest:s-1"))

	s.Equal([]domain.CartEventType{
		domain.CartEventIdentityChanged,
		domain.CartEventIdentityChanged,
		domain.CartEventMerged,
	}, s.publisher.types())
	s.Equal(1.0, gatherValue(s.T(), s.registry, "cart_merges_total", map[string]string{"outcome": metrics.MergeMerged}))
}

func (s *CoordinatorSuite) TestDoubleAddCollapsesIntoOneEntry() {
	s.start()

	s.add("A", 1)
	s.add("A", 1)
	s.idle()

	s.Equal("A:2", s.view())
	s.Equal("A:2", s.stored(guestKey))
}

func (s *CoordinatorSuite) TestUpdateQuantityToZeroKeepsEntry() {
	s.start()
	s.add("A", 3)

	s.Require().NoError(s.coord.UpdateQuantity(s.ctx, "A", 0))
	s.idle()

	s.Equal("A:0", s.view())
	s.Equal("A:0", s.stored(guestKey))
}

func (s *CoordinatorSuite) TestRemoveAndClear() {
	s.start()
	s.add("A", 1)
	s.add("B", 2)

	s.Require().NoError(s.coord.RemoveFromCart(s.ctx, "A"))
	s.idle()
	s.Equal("B:2", s.stored(guestKey))

	s.Require().NoError(s.coord.ClearCart(s.ctx))
	s.idle()
	s.Empty(s.coord.Snapshot().Items)
	s.Equal("", s.stored(guestKey))
}

func (s *CoordinatorSuite) TestRemoteSaveFailureKeepsMemory() {
	s.Require().NoError(s.provider.SignIn("u-1"))
	s.start()
	s.storage.failNext("save account:u-1", 1)

	s.add("A", 1)
	s.idle()

	snapshot := s.coord.Snapshot()
	s.Equal("A:1", summary(snapshot.Items))
	s.True(snapshot.Dirty)
	s.NotEmpty(snapshot.LastError)
	s.absent(accountKey)

	s.add("B", 1)
	s.idle()

	snapshot = s.coord.Snapshot()
	s.False(snapshot.Dirty)
	s.Empty(snapshot.LastError)
	s.Equal("A:1,B:1", s.stored(accountKey))
}

func (s *CoordinatorSuite) TestNoSaveBeforeFirstLoad() {
	s.storage.seed(guestKey, withQty("B", 2))
	entered, release := s.storage.block("load guest:s-1")
	defer release()

	s.Require().NoError(s.coord.Start(s.ctx))
	waitFor(s.T(), entered)

	s.add("A", 1)
	snapshot := s.coord.Snapshot()
	s.Equal(PhaseLoading, snapshot.Phase)
	s.Equal(1, snapshot.Deferred)
	s.Equal("A:1", summary(snapshot.Items))
	s.Zero(s.storage.count("save guest:s-1"))

	release()
	s.idle()

	s.Equal("B:2,A:1", s.view())
	s.Equal("B:2,A:1", s.stored(guestKey))
	s.Equal([]string{"load guest:s-1", "save guest:s-1"}, s.storage.opsLog())
}

func (s *CoordinatorSuite) TestMutationsBeforeStartAreReplayed() {
	s.add("A", 1)
	s.Equal(1, s.coord.Snapshot().Deferred)

	s.start()

	s.Equal("A:1", s.stored(guestKey))
	s.Zero(s.coord.Snapshot().Deferred)
}

func (s *CoordinatorSuite) TestMergeWriteFailureRetainsGuestAndRetriesOnRefresh() {
	s.start()
	s.add("A", 1)
	s.idle()
	s.storage.failNext("save account:u-1", 1)

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	snapshot := s.coord.Snapshot()
	s.Equal(PhaseMergePending, snapshot.Phase)
	s.True(snapshot.MergePending)
	s.NotEmpty(snapshot.LastError)
	s.Equal("A:1", summary(snapshot.Items))
	s.Equal("A:1", s.stored(guestKey))
	s.absent(accountKey)

	// Пока слияние не завершено, мутации только откладываются.
	s.add("B", 1)
	s.idle()
	s.Equal(1, s.coord.Snapshot().Deferred)
	s.Equal(1, s.storage.count("save account:u-1"))

	s.Require().NoError(s.refresh())

	snapshot = s.coord.Snapshot()
	s.Equal(PhaseLoaded, snapshot.Phase)
	s.False(snapshot.MergePending)
	s.Equal("A:1,B:1", summary(snapshot.Items))
	s.Equal("A:1,B:1", s.stored(accountKey))
	s.absent(guestKey)
	s.Contains(s.publisher.types(), domain.CartEventMergeFailed)
}

func (s *CoordinatorSuite) TestMergeWriteFailureRetriedOnNextLogin() {
	s.start()
	s.add("A", 1)
	s.idle()
	s.storage.failNext("save account:u-1", 1)

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()
	s.Equal(PhaseMergePending, s.coord.Snapshot().Phase)

	s.provider.SignOut()
	s.idle()
	s.Equal(guestKey, s.coord.Snapshot().Key)
	s.Equal("A:1", s.view())

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	s.Equal(PhaseLoaded, s.coord.Snapshot().Phase)
	s.Equal("A:1", s.stored(accountKey))
	s.absent(guestKey)
}

func (s *CoordinatorSuite) TestRepeatedLoginRetriesPendingMerge() {
	s.start()
	s.add("A", 1)
	s.idle()
	s.storage.failNext("save account:u-1", 1)

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()
	s.Equal(PhaseMergePending, s.coord.Snapshot().Phase)
	s.Equal("A:1", s.stored(guestKey))

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	snapshot := s.coord.Snapshot()
	s.Equal(PhaseLoaded, snapshot.Phase)
	s.False(snapshot.MergePending)
	s.Equal(accountKey, snapshot.Key)
	s.Equal("A:1", s.stored(accountKey))
	s.absent(guestKey)
}

func (s *CoordinatorSuite) TestAccountReadFailureNeverWritesAccount() {
	s.start()
	s.add("A", 1)
	s.idle()
	s.storage.failNext("load account:u-1", 1)

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	snapshot := s.coord.Snapshot()
	s.Equal(PhaseMergePending, snapshot.Phase)
	s.Equal("A:1", summary(snapshot.Items))
	s.Zero(s.storage.count("save account:u-1"))
	s.Equal("A:1", s.stored(guestKey))

	s.Require().NoError(s.refresh())
	s.Equal("A:1", s.stored(accountKey))
	s.absent(guestKey)
}

func (s *CoordinatorSuite) TestMutationsDuringMergeAreDeferred() {
	s.storage.seed(accountKey, withQty("C", 1))
	s.start()
	s.add("A", 1)
	s.idle()

	entered, release := s.storage.block("save account:u-1")
	defer release()

	s.Require().NoError(s.provider.SignIn("u-1"))
	waitFor(s.T(), entered)

	s.Equal(PhaseMerging, s.coord.Snapshot().Phase)
	s.add("B", 1)
	s.Equal(1, s.coord.Snapshot().Deferred)
	s.Equal(1, s.storage.count("save account:u-1"))

	release()
	s.idle()

	s.Equal("C:1,A:1,B:1", s.view())
	s.Equal("C:1,A:1,B:1", s.stored(accountKey))
	s.Equal(2, s.storage.count("save account:u-1"))
	s.absent(guestKey)
}

func (s *CoordinatorSuite) TestGuestDeleteFailureRetriedWithoutRemerge() {
	s.start()
	s.add("A", 1)
	s.idle()
	s.storage.failNext("delete guest:s-1", 1)

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	s.Equal(PhaseLoaded, s.coord.Snapshot().Phase)
	s.Equal("A:1", s.stored(accountKey))
	s.Equal("A:1", s.stored(guestKey))

	s.Require().NoError(s.refresh())

	s.absent(guestKey)
	s.Equal("A:1", s.stored(accountKey))
	s.Equal(1, s.storage.count("save account:u-1"))
}

func (s *CoordinatorSuite) TestStartSignedInMergesLeftoverGuestCart() {
	s.storage.seed(guestKey, withQty("A", 1))
	s.storage.seed(accountKey, withQty("B", 1))
	s.Require().NoError(s.provider.SignIn("u-1"))

	s.start()

	s.Equal(accountKey, s.coord.Snapshot().Key)
	s.Equal("B:1,A:1", s.stored(accountKey))
	s.absent(guestKey)
}

func (s *CoordinatorSuite) TestSignOutSwitchesToGuestWithoutMerge() {
	s.storage.seed(accountKey, withQty("C", 1))
	s.Require().NoError(s.provider.SignIn("u-1"))
	s.start()
	s.Equal("C:1", s.view())

	s.provider.SignOut()
	s.idle()

	snapshot := s.coord.Snapshot()
	s.Equal(guestKey, snapshot.Key)
	s.Empty(snapshot.Items)
	s.Equal("C:1", s.stored(accountKey))
	s.Zero(s.storage.count("save account:u-1"))
}

func (s *CoordinatorSuite) TestAccountSwitchLoadsWithoutMerge() {
	other := domain.AccountKey("u-2")
	s.storage.seed(accountKey, withQty("C", 1))
	s.storage.seed(other, withQty("D", 4))
	s.Require().NoError(s.provider.SignIn("u-1"))
	s.start()

	s.Require().NoError(s.provider.SignIn("u-2"))
	s.idle()

	s.Equal(other, s.coord.Snapshot().Key)
	s.Equal("D:4", s.view())
	s.Equal("C:1", s.stored(accountKey))
	s.Zero(s.storage.count("save account:u-2"))
}

func (s *CoordinatorSuite) TestDirtyGuestCartSavedBeforeTransition() {
	s.start()
	entered, release := s.storage.block("save guest:s-1")

	s.add("A", 1)
	waitFor(s.T(), entered)
	s.add("B", 1)
	s.Require().NoError(s.provider.SignIn("u-1"))
	release()
	s.idle()

	s.Equal("A:1,B:1", s.stored(accountKey))
	s.Equal("A:1,B:1", s.view())
	s.absent(guestKey)
}

func (s *CoordinatorSuite) TestRefreshReloadsActiveKey() {
	s.start()
	s.add("A", 1)
	s.idle()

	s.storage.seed(guestKey, withQty("Z", 7))
	s.Require().NoError(s.refresh())

	s.Equal("Z:7", s.view())
}

func (s *CoordinatorSuite) TestRefreshAbortedWhenFlushFails() {
	s.start()
	s.storage.failNext("save guest:s-1", 2)
	s.add("A", 1)
	s.idle()

	err := s.refresh()
	s.Require().Error(err)
	s.ErrorIs(err, domain.ErrStorageWrite)
	s.Equal("A:1", s.view())
	s.True(s.coord.Snapshot().Dirty)
	s.Equal(1, s.storage.count("load guest:s-1"))

	s.Require().NoError(s.refresh())
	s.Equal("A:1", s.stored(guestKey))
	s.Equal("A:1", s.view())
}

func (s *CoordinatorSuite) TestPersistentLoadFailureOpensEmptyAndStillSaves() {
	s.storage.failNext("load guest:s-1", 1000)
	s.start()

	snapshot := s.coord.Snapshot()
	s.Equal(PhaseLoaded, snapshot.Phase)
	s.Empty(snapshot.Items)
	s.NotEmpty(snapshot.LastError)
	s.Zero(s.storage.count("save guest:s-1"), "nothing to save until the cart changes")

	s.add("A", 2)
	s.add("B", 1)
	s.idle()

	snapshot = s.coord.Snapshot()
	s.Equal(PhaseLoaded, snapshot.Phase)
	s.False(snapshot.Dirty)
	s.Empty(snapshot.LastError)
	s.Equal("A:2,B:1", s.view())
	s.Equal("A:2,B:1", s.stored(guestKey))
	s.Equal(1, s.storage.count("load guest:s-1"), "mutations must not re-issue the load")
}

func (s *CoordinatorSuite) TestRefreshAfterLoadFailureReadsStoredCart() {
	s.storage.seed(guestKey, withQty("B", 1))
	s.storage.failNext("load guest:s-1", 1)
	s.start()

	s.Equal(PhaseLoaded, s.coord.Snapshot().Phase)
	s.Empty(s.view())

	s.Require().NoError(s.refresh())

	s.Equal("B:1", s.view())
	s.Empty(s.coord.Snapshot().LastError)
	s.Zero(s.storage.count("save guest:s-1"))
}

func (s *CoordinatorSuite) TestIdentityInitFailureKeepsCartInMemory() {
	s.kv.broken.Store(true)
	s.start()

	snapshot := s.coord.Snapshot()
	s.Equal(PhaseResolvingIdentity, snapshot.Phase)
	s.True(snapshot.Key.IsZero())
	s.Contains(snapshot.LastError, domain.ErrIdentityInit.Error())

	s.add("A", 1)
	s.idle()
	s.Equal("A:1", s.view())
	s.Empty(s.storage.opsLog())

	s.kv.broken.Store(false)
	s.Require().NoError(s.refresh())

	s.Equal(PhaseLoaded, s.coord.Snapshot().Phase)
	s.Equal("A:1", s.stored(guestKey))
}

func (s *CoordinatorSuite) TestCloseDiscardsInFlightLoad() {
	s.storage.seed(guestKey, withQty("B", 2))
	entered, release := s.storage.block("load guest:s-1")
	defer release()

	s.Require().NoError(s.coord.Start(s.ctx))
	waitFor(s.T(), entered)

	closed := make(chan struct{})
	go func() {
		_ = s.coord.Close()
		close(closed)
	}()
	s.Eventually(func() bool {
		return s.coord.Snapshot().Phase == PhaseClosed
	}, 2*time.Second, 5*time.Millisecond)

	release()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		s.FailNow("Close did not return")
	}

	s.Empty(s.coord.Snapshot().Items)
	s.Zero(s.storage.count("save guest:s-1"))
}

func (s *CoordinatorSuite) TestClosedCoordinatorRejectsOperations() {
	s.start()
	s.Require().NoError(s.coord.Close())

	s.ErrorIs(s.coord.AddToCart(s.ctx, item("A"), 1), domain.ErrCoordinatorClosed)
	s.ErrorIs(s.coord.RefreshCart(s.ctx), domain.ErrCoordinatorClosed)
	s.ErrorIs(s.coord.WaitIdle(s.ctx), domain.ErrCoordinatorClosed)
	s.ErrorIs(s.coord.Start(s.ctx), domain.ErrCoordinatorClosed)

	ch, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()
	_, ok := <-ch
	s.False(ok)
}

func (s *CoordinatorSuite) TestLifecycleErrors() {
	s.ErrorIs(s.coord.WaitIdle(s.ctx), ErrNotStarted)
	s.ErrorIs(s.coord.RefreshCart(s.ctx), ErrNotStarted)

	s.start()
	s.ErrorIs(s.coord.Start(s.ctx), ErrAlreadyStarted)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.ErrorIs(s.coord.AddToCart(ctx, item("A"), 1), context.Canceled)
}

func (s *CoordinatorSuite) TestSubscribeReceivesLatestSnapshot() {
	ch, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()

	s.start()
	s.add("A", 1)
	s.idle()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-ch:
			if snapshot.Phase == PhaseLoaded && summary(snapshot.Items) == "A:1" && !snapshot.Dirty {
				return
			}
		case <-deadline:
			s.FailNow("no loaded snapshot with A:1 received")
		}
	}
}

func (s *CoordinatorSuite) TestFailedMergeRetryReportsPending() {
	s.start()
	s.add("A", 1)
	s.idle()
	s.storage.failNext("save account:u-1", 2)

	s.Require().NoError(s.provider.SignIn("u-1"))
	s.idle()

	err := s.refresh()
	s.ErrorIs(err, domain.ErrMergePending)
	s.ErrorIs(err, domain.ErrMergeWrite)
	s.Equal(PhaseMergePending, s.coord.Snapshot().Phase)
	s.Equal("A:1", s.stored(guestKey))
}
