package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveBindingsSingleHostMultiplePorts(t *testing.T) {
	bindings, err := ResolveBindings(context.Background(), "127.0.0.1", "2525:3535")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	require.Equal(t, 2525, bindings[0].Port)
	require.Equal(t, 3535, bindings[1].Port)
}

func TestResolveBindingsMultipleHostsLastPortReused(t *testing.T) {
	bindings, err := ResolveBindings(context.Background(), "127.0.0.1,127.0.0.2,127.0.0.3", "2525,3535")
	require.NoError(t, err)
	require.Len(t, bindings, 3)
	require.Equal(t, 2525, bindings[0].Port)
	require.Equal(t, 3535, bindings[1].Port)
	require.Equal(t, 3535, bindings[2].Port)
}

func TestResolveBindingsRejectsEmptyToken(t *testing.T) {
	_, err := ResolveBindings(context.Background(), "127.0.0.1,,127.0.0.2", "2525")
	require.Error(t, err)
}

func TestResolveBindingsRejectsInvalidPort(t *testing.T) {
	_, err := ResolveBindings(context.Background(), "127.0.0.1", "not-a-port")
	require.Error(t, err)

	_, err = ResolveBindings(context.Background(), "127.0.0.1", "99999")
	require.Error(t, err)
}

func TestBindingString(t *testing.T) {
	b := Binding{IP: "127.0.0.1", Port: 2525}
	require.Equal(t, "127.0.0.1:2525", b.String())
}
