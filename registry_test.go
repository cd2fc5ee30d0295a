package fluxline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	echo := func(ctx context.Context, req *HandlerRequest) ([]byte, error) {
		return req.Input, nil
	}

	t.Run("register and resolve", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("echo", echo))

		handler, err := registry.Resolve("echo")
		require.NoError(t, err)

		out, err := handler.Invoke(context.Background(), &HandlerRequest{Input: []byte("hi")})
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), out)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("echo", echo))
		err := registry.RegisterFunc("echo", echo)
		assert.ErrorIs(t, err, ErrHandlerRegistered)
	})

	t.Run("unknown handler", func(t *testing.T) {
		registry := NewRegistry()
		_, err := registry.Resolve("missing")
		assert.ErrorIs(t, err, ErrHandlerNotFound)
		assert.False(t, registry.Has("missing"))
	})

	t.Run("names lists registered handlers", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterFunc("a", echo))
		require.NoError(t, registry.RegisterFunc("b", echo))
		assert.ElementsMatch(t, []string{"a", "b"}, registry.Names())
	})
}
