package memory

import (
	"testing"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/sagastatetest"
)

func TestRepository(t *testing.T) {
	sagastatetest.Run(t, func(t *testing.T) sagastate.Repository {
		return NewRepository()
	})
}
