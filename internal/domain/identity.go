package domain

// AuthState: снимок состояния внешнего провайдера идентичности.
type AuthState struct {
	Authenticated bool
	UserID        string
}

// Anonymous возвращает состояние неаутентифицированного пользователя.
func Anonymous() AuthState {
	return AuthState{}
}

// SignedIn возвращает состояние вошедшего пользователя.
func SignedIn(userID string) AuthState {
	return AuthState{Authenticated: userID != "", UserID: userID}
}

// Same сообщает, что два состояния описывают одну и ту же идентичность.
func (s AuthState) Same(other AuthState) bool {
	if s.Authenticated != other.Authenticated {
		return false
	}
	return !s.Authenticated || s.UserID == other.UserID
}
