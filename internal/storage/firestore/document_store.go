// Package firestore хранит документы корзин аккаунтов в Cloud Firestore (коллекция carts, документ = userId).
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// pingDocument: служебный документ для проверки доступности; его отсутствие нормально.
const pingDocument = "carts/_healthcheck"

// NewClient создаёт клиента Firestore.
// Пустой credentialsFile означает Application Default Credentials.
func NewClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}

	var opts []option.ClientOption
	if credentialsFile = strings.TrimSpace(credentialsFile); credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client (project=%s): %w", projectID, err)
	}
	return client, nil
}

// itemDocument: форма позиции в Firestore. Цена хранится строкой, чтобы не терять точность.
type itemDocument struct {
	ID        string         `firestore:"id"`
	Product   map[string]any `firestore:"product,omitempty"`
	UnitPrice string         `firestore:"unitPrice"`
	Quantity  int64          `firestore:"quantity"`
}

type cartDocument struct {
	Items     []itemDocument `firestore:"items"`
	UpdatedAt time.Time      `firestore:"updatedAt,serverTimestamp"`
}

// DocumentStore реализует domain.DocumentStore поверх Firestore.
type DocumentStore struct {
	client *firestore.Client
}

// NewDocumentStore создаёт хранилище документов корзин.
func NewDocumentStore(client *firestore.Client) *DocumentStore {
	return &DocumentStore{client: client}
}

func (s *DocumentStore) doc(path string) (*firestore.DocumentRef, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("firestore client is nil")
	}
	ref := s.client.Doc(path)
	if ref == nil {
		return nil, fmt.Errorf("invalid firestore document path %q", path)
	}
	return ref, nil
}

// Get читает документ; отсутствие документа: domain.ErrCartNotFound.
func (s *DocumentStore) Get(ctx context.Context, path string) (domain.CartRecord, error) {
	ref, err := s.doc(path)
	if err != nil {
		return domain.CartRecord{}, err
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return domain.CartRecord{}, domain.ErrCartNotFound
		}
		return domain.CartRecord{}, fmt.Errorf("get %s: %w", path, err)
	}
	if snap == nil || !snap.Exists() {
		return domain.CartRecord{}, domain.ErrCartNotFound
	}

	var doc cartDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.CartRecord{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return fromDocument(doc)
}

// Set перезаписывает документ целиком.
func (s *DocumentStore) Set(ctx context.Context, path string, record domain.CartRecord) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, toDocument(record)); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Delete удаляет документ; Firestore не считает удаление отсутствующего документа ошибкой.
func (s *DocumentStore) Delete(ctx context.Context, path string) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Ping читает служебный документ: NotFound означает, что Firestore отвечает.
func (s *DocumentStore) Ping(ctx context.Context) error {
	ref, err := s.doc(pingDocument)
	if err != nil {
		return err
	}
	if _, err := ref.Get(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("firestore ping failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func toDocument(record domain.CartRecord) cartDocument {
	doc := cartDocument{Items: make([]itemDocument, 0, len(record.Items))}
	for _, item := range record.Items {
		doc.Items = append(doc.Items, itemDocument{
			ID:        item.ID,
			Product:   item.Product,
			UnitPrice: item.UnitPrice.String(),
			Quantity:  int64(item.Quantity),
		})
	}
	return doc
}

func fromDocument(doc cartDocument) (domain.CartRecord, error) {
	items := make([]domain.CartItem, 0, len(doc.Items))
	for _, d := range doc.Items {
		price := decimal.Zero
		if d.UnitPrice != "" {
			parsed, err := decimal.NewFromString(d.UnitPrice)
			if err != nil {
				return domain.CartRecord{}, fmt.Errorf("item %s: parse unit price %q: %w", d.ID, d.UnitPrice, err)
			}
			price = parsed
		}
		items = append(items, domain.CartItem{
			ID:        d.ID,
			Product:   domain.ProductSnapshot(d.Product),
			UnitPrice: price,
			Quantity:  int(d.Quantity),
		})
	}
	return domain.CartRecord{Items: items}, nil
}

var _ domain.DocumentStore = (*DocumentStore)(nil)
