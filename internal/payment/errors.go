package payment

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

// Ошибки платёжных бэкендов.
var (
	// ErrNotConnected возвращается, если бэкенд не подключён к платёжной системе.
	ErrNotConnected = errors.New("backend not connected")
	// ErrState возвращается при вызове операции в недопустимом состоянии.
	ErrState = errors.New("operation not allowed in current state")
	// ErrNoSession возвращается, если у бэкенда нет текущей сессии.
	ErrNoSession = errors.New("no active session")
	// ErrSessionMismatch возвращается, если указанный идентификатор не совпадает с текущей сессией.
	ErrSessionMismatch = errors.New("session id does not match current session")
	// ErrUnsupported возвращается для операций, которые протокол не поддерживает.
	ErrUnsupported = errors.New("operation not supported by backend")
	// ErrIncrementUnsupported возвращается, если карта не поддерживает увеличение авторизации.
	ErrIncrementUnsupported = errors.New("cannot add items: card does not support incremental authorization")
	// ErrAmountLimit возвращается, если сумма превышает лимит предавторизации.
	ErrAmountLimit = errors.New("amount exceeds pre-authorization limit")
	// ErrTransport оборачивает ошибки ввода-вывода (serial, HTTP).
	ErrTransport = errors.New("transport error")
	// ErrProtocol возвращается при неожиданной структуре данных от платёжной системы.
	ErrProtocol = errors.New("protocol error")
)

// StateError описывает отклонённую операцию и состояние, в котором она была вызвана.
type StateError struct {
	Op    string
	State model.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

// Is позволяет сравнивать StateError с ErrState через errors.Is.
func (e *StateError) Is(target error) bool {
	return target == ErrState
}

// NewStateError создаёт ошибку недопустимого состояния.
func NewStateError(op string, state model.State) error {
	return &StateError{Op: op, State: state}
}
