package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfIsDeterministic(t *testing.T) {
	key := []byte("a fake x25519 public key......")
	a := Of(key)
	b := Of(key)
	require.True(t, Equal(a, b))
}

func TestHexFormat(t *testing.T) {
	fp := Of([]byte("key"))
	h := Hex(fp)
	require.Len(t, h, Size*3-1)
	require.Contains(t, h, ":")
}

func TestMismatchDetected(t *testing.T) {
	a := Of([]byte("key-1"))
	b := Of([]byte("key-2"))
	require.False(t, Equal(a, b))

	m := &Mismatch{MachineID: "m1", Old: a, New: b}
	require.Contains(t, m.Error(), "mismatch")
	require.Contains(t, m.Error(), Hex(a))
	require.Contains(t, m.Error(), Hex(b))
}

func TestRandomartStableShape(t *testing.T) {
	fp := Of([]byte("stable-key"))
	art := Randomart(fp)
	lines := art
	require.Contains(t, lines, "+")
	require.Contains(t, lines, "S")
	require.Contains(t, lines, "E")
}
