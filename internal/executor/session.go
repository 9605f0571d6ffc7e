package executor

import (
	"github.com/itstheanurag/playground/internal/toolchain"
	"github.com/rs/zerolog"
)

type State string

const (
	StateCreated   State = "created"
	StatePopulated State = "populated"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateCleaned   State = "cleaned"
)

// Session is the unit of isolation for one request: one id, one workspace
// directory, at most one toolchain process. It is owned by a single
// goroutine and never shared.
type Session struct {
	ID        string
	Dir       string
	Operation toolchain.Operation
	State     State

	logger zerolog.Logger
}

func newSession(id string, op toolchain.Operation, logger *zerolog.Logger) *Session {
	s := &Session{
		ID:        id,
		Operation: op,
		State:     StateCreated,
		logger: logger.With().
			Str("session_id", id).
			Str("operation", string(op)).
			Logger(),
	}
	return s
}

func (s *Session) transition(to State) {
	s.logger.Debug().Str("from", string(s.State)).Str("to", string(to)).Msg("session state")
	s.State = to
}
