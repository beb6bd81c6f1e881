package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

// login: при настроенном Firebase вход только по id_token, иначе по user_id (локальный режим).
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	var userID string
	if h.tokens != nil {
		if strings.TrimSpace(req.IDToken) == "" {
			h.writeError(w, fmt.Errorf("%w: id_token is required", errBadRequest))
			return
		}
		uid, err := h.tokens.SignInWithToken(r.Context(), req.IDToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		userID = uid
	} else {
		userID = strings.TrimSpace(req.UserID)
		if userID == "" {
			h.writeError(w, fmt.Errorf("%w: user_id is required", errBadRequest))
			return
		}
		if err := h.sessions.SignIn(userID); err != nil {
			h.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
	}

	h.logger.WithField("user_id", userID).Info("user signed in")
	h.settle(r.Context())
	writeJSON(w, http.StatusOK, loginResponse{
		UserID: userID,
		Cart:   newCartResponse(h.cart.Snapshot()),
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.SignOut()
	h.logger.Info("user signed out")
	h.respondCart(w, r, http.StatusOK)
}
