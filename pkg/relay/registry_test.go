package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherline/tether/pkg/audit"
	"github.com/tetherline/tether/pkg/frame"
	"github.com/tetherline/tether/pkg/relaystore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func testRegistryStore(t *testing.T) *relaystore.Store {
	t.Helper()
	s, err := relaystore.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTunnelSession(t *testing.T) (*frame.Session, *frame.Correlator) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	corr := frame.NewCorrelator()
	sess := frame.NewSession(a, corr, func(*frame.Frame) {}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)
	go io.Copy(io.Discard, b)
	return sess, corr
}

func TestTunnelRegistryAttachEvictsPrior(t *testing.T) {
	store := testRegistryStore(t)
	ctx := context.Background()

	owner := &relaystore.User{UserID: "u1", Username: "dan", PasswordHash: "h"}
	require.NoError(t, store.CreateUser(ctx, owner))
	m := &relaystore.Machine{MachineID: "m1", OwnerUserID: owner.UserID, DisplayName: "laptop"}
	require.NoError(t, store.RegisterMachine(ctx, m))

	reg := NewTunnelRegistry(store, audit.NewLogger(audit.NewFileStore(t.TempDir())), testLogger())

	sess1, corr1 := newTestTunnelSession(t)
	reg.Attach(ctx, "m1", sess1, corr1)
	assert.True(t, reg.Online("m1"))
	assert.Equal(t, 1, reg.Count())

	got, gotCorr, ok := reg.Lookup("m1")
	require.True(t, ok)
	assert.Same(t, sess1, got)
	assert.Same(t, corr1, gotCorr)

	sess2, corr2 := newTestTunnelSession(t)
	reg.Attach(ctx, "m1", sess2, corr2)
	assert.Equal(t, 1, reg.Count(), "second attach replaces, not adds")

	got, _, ok = reg.Lookup("m1")
	require.True(t, ok)
	assert.Same(t, sess2, got)

	machine, err := store.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, relaystore.MachineOnline, machine.Status)
}

func TestTunnelRegistryDetachOnlyIfCurrent(t *testing.T) {
	store := testRegistryStore(t)
	ctx := context.Background()
	owner := &relaystore.User{UserID: "u1", Username: "erin", PasswordHash: "h"}
	require.NoError(t, store.CreateUser(ctx, owner))
	m := &relaystore.Machine{MachineID: "m1", OwnerUserID: owner.UserID, DisplayName: "laptop"}
	require.NoError(t, store.RegisterMachine(ctx, m))

	reg := NewTunnelRegistry(store, audit.NewLogger(audit.NewFileStore(t.TempDir())), testLogger())

	sess1, corr1 := newTestTunnelSession(t)
	reg.Attach(ctx, "m1", sess1, corr1)

	sess2, corr2 := newTestTunnelSession(t)
	reg.Attach(ctx, "m1", sess2, corr2)

	// A stale Detach for the evicted session must not remove the newer one.
	reg.Detach(ctx, "m1", sess1)
	assert.True(t, reg.Online("m1"))

	reg.Detach(ctx, "m1", sess2)
	assert.False(t, reg.Online("m1"))
	assert.Equal(t, 0, reg.Count())

	machine, err := store.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, relaystore.MachineOffline, machine.Status)
}

func TestTunnelRegistryLookupMissing(t *testing.T) {
	store := testRegistryStore(t)
	reg := NewTunnelRegistry(store, audit.NewLogger(audit.NewFileStore(t.TempDir())), testLogger())
	_, _, ok := reg.Lookup("nope")
	assert.False(t, ok)
	assert.False(t, reg.Online("nope"))
}
