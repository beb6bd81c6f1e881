package coordinator

import "github.com/vladislavdragonenkov/cartsync/internal/domain"

// Phase: фаза конечного автомата синхронизации.
type Phase string

const (
	PhaseUninitialized     Phase = "uninitialized"
	PhaseResolvingIdentity Phase = "resolving_identity"
	// PhaseReady: ключ разрешён, загрузка или слияние ещё не начались.
	PhaseReady   Phase = "ready"
	PhaseLoading Phase = "loading"
	PhaseLoaded  Phase = "loaded"
	// PhasePersisting: идёт сохранение; мутации в это время помечают корзину грязной.
	PhasePersisting Phase = "persisting"
	PhaseMerging    Phase = "merging"
	// PhaseMergePending: слияние не удалось, сохранения закрыты до повтора.
	PhaseMergePending Phase = "merge_pending"
	PhaseClosed       Phase = "closed"
)

var allPhases = []string{
	string(PhaseUninitialized),
	string(PhaseResolvingIdentity),
	string(PhaseReady),
	string(PhaseLoading),
	string(PhaseLoaded),
	string(PhasePersisting),
	string(PhaseMerging),
	string(PhaseMergePending),
	string(PhaseClosed),
}

// savesAllowed: сохранять можно только после первой успешной загрузки ключа.
func (p Phase) savesAllowed() bool {
	return p == PhaseLoaded || p == PhasePersisting
}

// Snapshot: согласованный снимок состояния координатора для UI и health checks.
type Snapshot struct {
	Key          domain.CartKey
	Phase        Phase
	Items        []domain.CartItem
	Dirty        bool
	Deferred     int
	MergePending bool
	LastError    string
}

func keyKind(key domain.CartKey) string {
	if key.IsZero() {
		return "none"
	}
	return string(key.Kind)
}
