package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/service/coordinator"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

type addItemRequest struct {
	ID        string                 `json:"id"`
	Product   domain.ProductSnapshot `json:"product,omitempty"`
	UnitPrice decimal.Decimal        `json:"unit_price"`
	Quantity  int                    `json:"quantity"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity"`
}

type loginRequest struct {
	IDToken string `json:"id_token"`
	UserID  string `json:"user_id"`
}

type itemResponse struct {
	ID        string                 `json:"id"`
	Product   domain.ProductSnapshot `json:"product,omitempty"`
	UnitPrice decimal.Decimal        `json:"unit_price"`
	Quantity  int                    `json:"quantity"`
	LineTotal decimal.Decimal        `json:"line_total"`
}

type cartResponse struct {
	Key           string          `json:"key,omitempty"`
	KeyKind       string          `json:"key_kind,omitempty"`
	Phase         string          `json:"phase"`
	Items         []itemResponse  `json:"items"`
	TotalQuantity int             `json:"total_quantity"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Dirty         bool            `json:"dirty"`
	Deferred      int             `json:"deferred"`
	MergePending  bool            `json:"merge_pending"`
	LastError     string          `json:"last_error,omitempty"`
}

type loginResponse struct {
	UserID string       `json:"user_id"`
	Cart   cartResponse `json:"cart"`
}

func newCartResponse(snapshot coordinator.Snapshot) cartResponse {
	resp := cartResponse{
		Phase:        string(snapshot.Phase),
		Items:        make([]itemResponse, 0, len(snapshot.Items)),
		Subtotal:     decimal.Zero,
		Dirty:        snapshot.Dirty,
		Deferred:     snapshot.Deferred,
		MergePending: snapshot.MergePending,
		LastError:    snapshot.LastError,
	}
	if !snapshot.Key.IsZero() {
		resp.Key = snapshot.Key.String()
		resp.KeyKind = string(snapshot.Key.Kind)
	}
	for _, item := range snapshot.Items {
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		resp.Items = append(resp.Items, itemResponse{
			ID:        item.ID,
			Product:   item.Product,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: line,
		})
		resp.Subtotal = resp.Subtotal.Add(line)
		resp.TotalQuantity += item.Quantity
	}
	return resp
}

func (r addItemRequest) toItem() (domain.CartItem, int, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return domain.CartItem{}, 0, fmt.Errorf("%w: id is required", errBadRequest)
	}
	if r.Quantity < 0 {
		return domain.CartItem{}, 0, fmt.Errorf("%w: quantity must not be negative", errBadRequest)
	}
	if r.UnitPrice.IsNegative() {
		return domain.CartItem{}, 0, fmt.Errorf("%w: unit_price must not be negative", errBadRequest)
	}
	quantity := r.Quantity
	if quantity == 0 {
		quantity = 1
	}
	return domain.CartItem{ID: id, Product: r.Product, UnitPrice: r.UnitPrice}, quantity, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
