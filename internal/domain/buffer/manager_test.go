package buffer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

func move(h Handle) []envelope.HandleRef {
	return []envelope.HandleRef{{ID: h.ID, Mode: envelope.Move}}
}

func share(h Handle) []envelope.HandleRef {
	return []envelope.HandleRef{{ID: h.ID, Mode: envelope.Share}}
}

func TestAllocateChargesPoolAndQuota(t *testing.T) {
	m := NewManager(64*PageSize, 8*PageSize, nil)
	m.SetQuota("a", 2*PageSize)

	h, err := m.Allocate("a", 100, false)
	require.NoError(t, err)
	assert.Equal(t, "a", h.Owner)
	assert.Equal(t, 100, h.Size)

	used, limit, ok := m.Usage("a")
	require.True(t, ok)
	assert.Equal(t, int64(PageSize), used)
	assert.Equal(t, int64(2*PageSize), limit)
	assert.Equal(t, int64(PageSize), m.Stats().SharedUsed)

	_, err = m.Allocate("a", 2*PageSize, false)
	assert.ErrorIs(t, err, ipcerr.ErrQuotaExceeded)

	_, err = m.Allocate("kernel", 9*PageSize, true)
	assert.ErrorIs(t, err, ipcerr.ErrOutOfMemory)

	_, err = m.Allocate("a", 0, false)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
}

func TestMoveInvalidatesSender(t *testing.T) {
	m := NewManager(64*PageSize, 8*PageSize, nil)
	m.SetQuota("sender", 4*PageSize)
	m.SetQuota("receiver", 4*PageSize)

	h, err := m.Allocate("sender", 4096, true)
	require.NoError(t, err)
	_, err = m.Write("sender", h.ID, 0, []byte("frame"))
	require.NoError(t, err)

	tickets, err := m.Attach("sender", move(h))
	require.NoError(t, err)
	stat, _ := m.Stat(h.ID)
	assert.True(t, stat.InFlight)

	transfers, err := m.Commit(tickets, "receiver")
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	err = m.Release("sender", h.ID)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidated)
	_, err = m.Read("sender", h.ID, 0, 5)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidated)

	data, err := m.Read("receiver", h.ID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)

	senderUsed, _, _ := m.Usage("sender")
	receiverUsed, _, _ := m.Usage("receiver")
	assert.Zero(t, senderUsed)
	assert.Equal(t, int64(PageSize), receiverUsed)

	require.NoError(t, m.Release("receiver", h.ID))
	assert.Zero(t, m.Stats().DMAUsed)

	again, err := m.Allocate("sender", 4096, true)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, again.ID)
}

func TestShareIsReadOnly(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)

	h, err := m.Allocate("owner", 16, false)
	require.NoError(t, err)
	_, err = m.Write("owner", h.ID, 0, []byte("shared"))
	require.NoError(t, err)

	tickets, err := m.Attach("owner", share(h))
	require.NoError(t, err)
	_, err = m.Commit(tickets, "reader")
	require.NoError(t, err)

	got, err := m.Read("reader", h.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), got)

	_, err = m.Write("reader", h.ID, 0, []byte("x"))
	assert.ErrorIs(t, err, ipcerr.ErrPermissionDenied)
	_, err = m.Write("owner", h.ID, 0, []byte("S"))
	require.NoError(t, err, "the owner keeps write access")
	got, err = m.Read("reader", h.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("Shared"), got)

	_, err = m.Attach("owner", move(h))
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)

	stat, _ := m.Stat(h.ID)
	assert.Equal(t, 1, stat.Sharers["reader"])

	require.NoError(t, m.Release("owner", h.ID))
	_, stillThere := m.Stat(h.ID)
	assert.True(t, stillThere, "sharers keep the buffer alive")

	require.NoError(t, m.Release("reader", h.ID))
	_, stillThere = m.Stat(h.ID)
	assert.False(t, stillThere)
	assert.Zero(t, m.Stats().SharedUsed)
}

func TestAttachIsAllOrNothing(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	a, _ := m.Allocate("x", 10, false)
	b, _ := m.Allocate("y", 10, false)

	_, err := m.Attach("x", []envelope.HandleRef{
		{ID: a.ID, Mode: envelope.Move},
		{ID: b.ID, Mode: envelope.Move},
	})
	assert.ErrorIs(t, err, ipcerr.ErrPermissionDenied)

	stat, _ := m.Stat(a.ID)
	assert.False(t, stat.InFlight, "earlier tickets roll back")

	tickets, err := m.Attach("x", move(a))
	require.NoError(t, err)
	_, err = m.Attach("x", move(a))
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument, "a buffer rides in one message at a time")

	err = m.Release("x", a.ID)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)

	m.Rollback(tickets)
	stat, _ = m.Stat(a.ID)
	assert.False(t, stat.InFlight)
	assert.Equal(t, "x", stat.Owner)
}

func TestRevertReturnsToLastOwner(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	h, _ := m.Allocate("sender", 10, false)

	tickets, err := m.Attach("sender", move(h))
	require.NoError(t, err)
	transfers, err := m.Commit(tickets, "receiver")
	require.NoError(t, err)

	m.Revert(transfers)

	stat, ok := m.Stat(h.ID)
	require.True(t, ok)
	assert.Equal(t, "sender", stat.Owner)
	require.NoError(t, m.Release("sender", h.ID))
}

func TestRevertFreesWhenSenderGone(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	h, _ := m.Allocate("sender", 10, false)

	tickets, _ := m.Attach("sender", move(h))
	transfers, _ := m.Commit(tickets, "receiver")
	m.ReleaseOwner("sender")

	m.Revert(transfers)

	_, ok := m.Stat(h.ID)
	assert.False(t, ok)
}

func TestReleaseOwnerReclaimsEverything(t *testing.T) {
	m := NewManager(64*PageSize, 8*PageSize, nil)
	m.SetQuota("vnode", 16*PageSize)

	_, _ = m.Allocate("vnode", 10, false)
	_, _ = m.Allocate("vnode", 10, true)
	other, _ := m.Allocate("other", 10, false)
	tickets, _ := m.Attach("other", share(other))
	_, _ = m.Commit(tickets, "vnode")

	freed := m.ReleaseOwner("vnode")
	assert.Equal(t, 2, freed)

	assert.Empty(t, m.List("vnode"))
	assert.Len(t, m.List(""), 1)
	_, _, ok := m.Usage("vnode")
	assert.False(t, ok)

	_, err := m.Allocate("vnode", 10, false)
	assert.ErrorIs(t, err, ipcerr.ErrPeerGone)

	m.SetQuota("vnode", PageSize)
	_, err = m.Allocate("vnode", 10, false)
	assert.NoError(t, err)
}

func TestInFlightDuringTeardownIsFreedOnRollback(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	h, _ := m.Allocate("vnode", 10, false)
	tickets, _ := m.Attach("vnode", move(h))

	m.ReleaseOwner("vnode")
	_, ok := m.Stat(h.ID)
	require.True(t, ok)

	m.Rollback(tickets)
	_, ok = m.Stat(h.ID)
	assert.False(t, ok)
}

func TestWriteBounds(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	h, _ := m.Allocate("a", 8, false)

	_, err := m.Write("a", h.ID, 4, []byte("12345"))
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "5 bytes at offset 4, provided 8")

	n, err := m.Write("a", h.ID, 4, []byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stat, _ := m.Stat(h.ID)
	assert.Equal(t, 8, stat.Len)

	_, err = m.Read("a", h.ID, 9, 1)
	assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)

	_, err = m.Read("stranger", h.ID, 0, 1)
	assert.ErrorIs(t, err, ipcerr.ErrPermissionDenied)
}

func TestOversizedOffsetsAreRejected(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	h, _ := m.Allocate("a", 16, false)
	_, err := m.Write("a", h.ID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"read huge length", func() error { _, err := m.Read("a", h.ID, 1, math.MaxInt); return err }},
		{"write huge offset", func() error { _, err := m.Write("a", h.ID, math.MaxInt, []byte("x")); return err }},
		{"write past end", func() error { _, err := m.Write("a", h.ID, 17, nil); return err }},
		{"negative offset", func() error { _, err := m.Write("a", h.ID, -1, []byte("x")); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { err = tt.call() })
			if tt.name == "read huge length" {
				assert.NoError(t, err, "reads clamp to the written length")
				return
			}
			assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
		})
	}

	got, err := m.Read("a", h.ID, 1, math.MaxInt)
	require.NoError(t, err)
	assert.Equal(t, []byte("123456789abcdef"), got)
}

func TestMoveRespectsReceiverQuota(t *testing.T) {
	m := NewManager(64*PageSize, 0, nil)
	m.SetQuota("receiver", PageSize)
	_, err := m.Allocate("receiver", 10, false)
	require.NoError(t, err)

	h, _ := m.Allocate("sender", 10, false)
	tickets, err := m.Attach("sender", move(h))
	require.NoError(t, err)

	_, err = m.Commit(tickets, "receiver")
	assert.ErrorIs(t, err, ipcerr.ErrQuotaExceeded)

	stat, _ := m.Stat(h.ID)
	assert.Equal(t, "sender", stat.Owner)
	assert.True(t, stat.InFlight, "tickets stay attached until the caller rolls back")

	m.Rollback(tickets)
	stat, _ = m.Stat(h.ID)
	assert.False(t, stat.InFlight)

	shared, _ := m.Allocate("sender", 10, false)
	tickets, err = m.Attach("sender", share(shared))
	require.NoError(t, err)
	_, err = m.Commit(tickets, "receiver")
	assert.NoError(t, err, "shares stay charged to the owner")
}
