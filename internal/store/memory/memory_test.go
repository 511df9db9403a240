package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/store"
	"github.com/lvonguyen/ctiengine/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return New(zap.NewNop())
	})
}

func TestCanceledContext(t *testing.T) {
	s := New(nil)
	storetest.Seed(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FindGroups(ctx, store.GroupQuery{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.GetTechnique(ctx, "T1001")
	assert.ErrorIs(t, err, context.Canceled)
}
