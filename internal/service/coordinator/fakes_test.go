package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

var errBackendDown = errors.New("backend down")

type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// fakeStorage: PersistenceAdapter в памяти с журналом операций, инъекцией ошибок и блокировками.
type fakeStorage struct {
	mu      sync.Mutex
	records map[domain.CartKey]domain.CartRecord
	ops     []string
	fail    map[string][]error
	gates   map[string]*gate
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		records: make(map[domain.CartKey]domain.CartRecord),
		fail:    make(map[string][]error),
		gates:   make(map[string]*gate),
	}
}

func opName(op string, key domain.CartKey) string {
	return op + " " + key.String()
}

func (f *fakeStorage) seed(key domain.CartKey, items ...domain.CartItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = domain.CartRecord{Items: domain.CloneItems(items)}
}

func (f *fakeStorage) record(key domain.CartKey) (domain.CartRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[key]
	return domain.CartRecord{Items: domain.CloneItems(record.Items)}, ok
}

// failNext ставит в очередь ошибки для операции вида "save account:u-1".
func (f *fakeStorage) failNext(op string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < times; i++ {
		f.fail[op] = append(f.fail[op], errBackendDown)
	}
}

// block останавливает операцию до вызова release; контекст операции игнорируется.
func (f *fakeStorage) block(op string) (<-chan struct{}, func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[op] = g
	f.mu.Unlock()

	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

func (f *fakeStorage) opsLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeStorage) count(op string) int {
	n := 0
	for _, entry := range f.opsLog() {
		if entry == op {
			n++
		}
	}
	return n
}

func (f *fakeStorage) enter(name string) error {
	f.mu.Lock()
	f.ops = append(f.ops, name)
	g := f.gates[name]
	var err error
	if queue := f.fail[name]; len(queue) > 0 {
		err = queue[0]
		f.fail[name] = queue[1:]
	}
	f.mu.Unlock()

	if g != nil {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return err
}

func (f *fakeStorage) Load(_ context.Context, key domain.CartKey) (domain.CartRecord, error) {
	if err := f.enter(opName("load", key)); err != nil {
		return domain.CartRecord{}, fmt.Errorf("%w: %w", domain.ErrStorageRead, err)
	}
	record, ok := f.record(key)
	if !ok {
		return domain.CartRecord{}, domain.ErrCartNotFound
	}
	return record, nil
}

func (f *fakeStorage) Save(_ context.Context, key domain.CartKey, record domain.CartRecord) error {
	if err := f.enter(opName("save", key)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	f.seed(key, record.Items...)
	return nil
}

func (f *fakeStorage) Delete(_ context.Context, key domain.CartKey) error {
	if err := f.enter(opName("delete", key)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageWrite, err)
	}
	f.mu.Lock()
	delete(f.records, key)
	f.mu.Unlock()
	return nil
}

// switchableKV: локальное хранилище, которое можно "сломать" для проверки ErrIdentityInit.
type switchableKV struct {
	*memory.KVStore
	broken atomic.Bool
}

func (s *switchableKV) Get(ctx context.Context, key string) ([]byte, error) {
	if s.broken.Load() {
		return nil, errBackendDown
	}
	return s.KVStore.Get(ctx, key)
}

func (s *switchableKV) Set(ctx context.Context, key string, value []byte) error {
	if s.broken.Load() {
		return errBackendDown
	}
	return s.KVStore.Set(ctx, key, value)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.CartEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.CartEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []domain.CartEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.CartEventType, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func item(id string) domain.CartItem {
	return domain.CartItem{ID: id, Product: domain.ProductSnapshot{"title": "product " + id}}
}

func withQty(id string, qty int) domain.CartItem {
	i := item(id)
	i.Quantity = qty
	return i
}

func summary(items []domain.CartItem) string {
	parts := make([]string, 0, len(items))
	for _, i := range items {
		parts = append(parts, fmt.Sprintf("%s:%d", i.ID, i.Quantity))
	}
	return strings.Join(parts, ",")
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for storage operation")
	}
}

func loggerForTests() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("test", true)
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	next:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}
