package region

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckKeyInRange(t *testing.T) {
	r := New(1, 1, TypeKV, []byte("b"), []byte("m"), Epoch{})
	require.True(t, r.CheckKeyInRange([]byte("b")))
	require.True(t, r.CheckKeyInRange([]byte("c")))
	require.False(t, r.CheckKeyInRange([]byte("m")))
	require.False(t, r.CheckKeyInRange([]byte("a")))

	// Open-ended region.
	open := New(2, 1, TypeKV, []byte("b"), nil, Epoch{})
	require.True(t, open.CheckKeyInRange([]byte("zzzz")))
	require.False(t, open.CheckKeyInRange([]byte("a")))
}

func TestCheckRangeInRegion(t *testing.T) {
	r := New(1, 1, TypeKV, []byte("b"), []byte("m"), Epoch{})
	require.True(t, r.CheckRangeInRegion([]byte("b"), []byte("m")))
	require.True(t, r.CheckRangeInRegion([]byte("c"), []byte("d")))
	require.False(t, r.CheckRangeInRegion([]byte("a"), []byte("d")))
	require.False(t, r.CheckRangeInRegion([]byte("c"), []byte("z")))
	require.False(t, r.CheckRangeInRegion([]byte("c"), nil))
}

func TestEpochBumpOnSetRange(t *testing.T) {
	r := New(1, 1, TypeKV, []byte("a"), nil, Epoch{ConfVersion: 1, Version: 2})
	r.SetRange([]byte("a"), []byte("m"))
	require.Equal(t, Epoch{ConfVersion: 1, Version: 3}, r.Epoch())
}

func TestRefcountDrain(t *testing.T) {
	r := New(1, 1, TypeKV, nil, nil, Epoch{})
	r.SetState(StateNormal)
	require.True(t, r.Acquire())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, r.Drain(ctx))

	r.Release()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, r.Drain(ctx2))

	// A deleting region rejects new operations.
	r.SetState(StateDeleting)
	require.False(t, r.Acquire())
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	a := New(1, 1, TypeKV, nil, []byte("m"), Epoch{})
	b := New(2, 2, TypeKV, []byte("m"), nil, Epoch{})
	reg.Add(a)
	reg.Add(b)

	require.Equal(t, a, reg.Get(1))
	require.Nil(t, reg.Get(99))

	require.Equal(t, a, reg.GetByKey([]byte("c")))
	require.Equal(t, b, reg.GetByKey([]byte("m")))
	require.Equal(t, b, reg.GetByKey([]byte("z")))

	require.Len(t, reg.All(), 2)

	reg.Remove(1)
	require.Nil(t, reg.Get(1))
	require.Equal(t, b, reg.GetByKey([]byte("z")))
	require.Nil(t, reg.GetByKey([]byte("c")))
}
