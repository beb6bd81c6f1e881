package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) getCart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newCartResponse(h.cart.Snapshot()))
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	item, quantity, err := req.toItem()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.cart.AddToCart(r.Context(), item, quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondCart(w, r, http.StatusOK)
}

func (h *Handler) updateQuantity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req quantityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Quantity == nil || *req.Quantity < 0 {
		h.writeError(w, fmt.Errorf("%w: quantity must be a non-negative integer", errBadRequest))
		return
	}
	if err := h.cart.UpdateQuantity(r.Context(), id, *req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondCart(w, r, http.StatusOK)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.RemoveFromCart(r.Context(), strings.TrimSpace(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondCart(w, r, http.StatusOK)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.ClearCart(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondCart(w, r, http.StatusOK)
}

func (h *Handler) refreshCart(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.RefreshCart(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCartResponse(h.cart.Snapshot()))
}
