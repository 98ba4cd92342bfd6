package capability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

const loader = "loader"

func newTable(t *testing.T) *Table {
	t.Helper()
	table := NewTable(nil, 64)
	require.NoError(t, table.Bootstrap(loader, []string{"svc://**", "mem://**"}, All))
	return table
}

func TestRightsString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "connect|write", (Connect | Write).String())

	parsed, err := ParseRights("connect, write|share")
	require.NoError(t, err)
	assert.Equal(t, Connect|Write|Share, parsed)

	_, err = ParseRights("execute")
	assert.Error(t, err)

	assert.True(t, All.Has(Administer|Read))
	assert.False(t, (Connect | Write).Has(Share))
	assert.Equal(t, Connect, (Connect | Write).Remove(Write))
}

func TestGrantThenCheck(t *testing.T) {
	table := newTable(t)

	c, err := table.Grant("mail-service", "svc://dns", Connect|Write, loader)
	require.NoError(t, err)
	assert.Equal(t, "mail-service", c.Subject)
	assert.NotEmpty(t, c.Parent)

	assert.True(t, table.Check("mail-service", "svc://dns", Connect|Write))
	assert.True(t, table.Check("mail-service", "svc://dns", Write))
	assert.False(t, table.Check("mail-service", "svc://dns", Share))
	assert.False(t, table.Check("mail-service", "svc://socket-api", Connect))
	assert.False(t, table.Check("dns-resolver", "svc://dns", Connect))
}

func TestGrantRequiresAdminister(t *testing.T) {
	table := newTable(t)
	_, err := table.Grant("mail-service", "svc://dns", Connect|Write, loader)
	require.NoError(t, err)

	_, err = table.Grant("intruder", "svc://dns", Connect, "mail-service")
	assert.ErrorIs(t, err, ipcerr.ErrPermissionDenied)

	_, err = table.Grant("mail-service", "irq://3", Read, loader)
	assert.ErrorIs(t, err, ipcerr.ErrPermissionDenied)

	entries := table.Audit(10)
	require.NotEmpty(t, entries)
	assert.False(t, entries[0].Allowed)
}

func TestGrantRejectsDuplicatesAndBadInput(t *testing.T) {
	table := newTable(t)
	_, err := table.Grant("a", "svc://dns", Connect, loader)
	require.NoError(t, err)

	tests := []struct {
		name     string
		subject  string
		resource string
		rights   Rights
	}{
		{"duplicate", "a", "svc://dns", Write},
		{"empty subject", "", "svc://dns", Write},
		{"no rights", "b", "svc://dns", None},
		{"bare resource", "b", "dns", Connect},
		{"malformed pattern", "b", "svc://[", Connect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := table.Grant(tt.subject, tt.resource, tt.rights, loader)
			assert.ErrorIs(t, err, ipcerr.ErrInvalidArgument)
		})
	}
}

func TestRevokeThenCheckFails(t *testing.T) {
	table := newTable(t)
	_, err := table.Grant("mail-service", "svc://dns", Connect|Write, loader)
	require.NoError(t, err)

	_, err = table.Revoke("mail-service", "svc://dns")
	require.NoError(t, err)

	assert.False(t, table.Check("mail-service", "svc://dns", Connect))

	_, err = table.Revoke("mail-service", "svc://dns")
	assert.ErrorIs(t, err, ipcerr.ErrNotFound)
}

func TestRevokeCascadesToDelegations(t *testing.T) {
	table := newTable(t)

	_, err := table.Grant("dns-resolver", "svc://socket-api", Connect|Write|Administer, loader)
	require.NoError(t, err)
	_, err = table.Grant("helper", "svc://socket-api", Connect|Administer, "dns-resolver")
	require.NoError(t, err)
	_, err = table.Grant("helper-child", "svc://socket-api", Connect, "helper")
	require.NoError(t, err)

	var order []string
	table.OnRevoke(func(c Capability) int {
		order = append(order, c.Subject)
		return 1
	})

	n, err := table.Revoke("dns-resolver", "svc://socket-api")
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"dns-resolver", "helper", "helper-child"}, order)
	assert.False(t, table.Check("helper-child", "svc://socket-api", Connect))
	assert.True(t, table.Check(loader, "svc://socket-api", Administer))
}

func TestRevokeSubjectRemovesHeldAndDelegated(t *testing.T) {
	table := newTable(t)

	_, err := table.Grant("dns-resolver", "svc://dns", Accept|Read|Administer, loader)
	require.NoError(t, err)
	_, err = table.Grant("dns-resolver", "mem://shared", Write, loader)
	require.NoError(t, err)
	_, err = table.Grant("mail-service", "svc://dns", Connect|Write, "dns-resolver")
	require.NoError(t, err)
	_, err = table.Grant("other", "svc://dns", Connect|Write, loader)
	require.NoError(t, err)

	table.RevokeSubject("dns-resolver")

	assert.Empty(t, table.List("dns-resolver"))
	assert.Empty(t, table.List("mail-service"))
	assert.Len(t, table.List("other"), 1)
}

func TestPatternCapabilities(t *testing.T) {
	table := newTable(t)

	assert.True(t, table.Check(loader, "svc://anything", Administer))
	assert.True(t, table.Check(loader, "mem://dma", Write))
	assert.False(t, table.Check(loader, "irq://1", Read))

	_, err := table.Grant("router", "svc://db/**", Connect|Write|Administer, loader)
	require.NoError(t, err)
	assert.True(t, table.Check("router", "svc://db/primary", Connect))
	assert.False(t, table.Check("router", "svc://cache", Connect))

	_, err = table.Grant("sub", "svc://**", Connect, "router")
	assert.ErrorIs(t, err, ipcerr.ErrPermissionDenied)
}

func TestListIsOrderedAndCopied(t *testing.T) {
	table := newTable(t)
	_, err := table.Grant("a", "svc://one", Connect, loader)
	require.NoError(t, err)
	_, err = table.Grant("a", "svc://two", Connect, loader)
	require.NoError(t, err)

	list := table.List("a")
	require.Len(t, list, 2)
	assert.Equal(t, "svc://one", list[0].Resource)
	assert.Equal(t, "svc://two", list[1].Resource)

	list[0].Rights = All
	assert.False(t, table.Check("a", "svc://one", Administer))

	got, ok := table.Get(list[1].ID)
	require.True(t, ok)
	assert.Equal(t, "svc://two", got.Resource)
}

func TestConcurrentGrantAndCheck(t *testing.T) {
	table := newTable(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := string(rune('a' + i))
			_, err := table.Grant(subject, "svc://dns", Connect, loader)
			assert.NoError(t, err)
			assert.True(t, table.Check(subject, "svc://dns", Connect))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 18, table.Len())
}

func TestAuditRingWraps(t *testing.T) {
	table := NewTable(nil, 4)
	require.NoError(t, table.Bootstrap(loader, []string{"svc://**"}, All))

	for i := 0; i < 6; i++ {
		_ = table.Authorize("nobody", "svc://dns", Connect, "ipc_send")
	}

	assert.Len(t, table.Audit(0), 4)
	assert.Len(t, table.Audit(2), 2)
}
