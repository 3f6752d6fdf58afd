package wskit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskit/wskit/schema"
)

var testRPCDesc = schema.RPC("SUM", nil, schema.Event("SUM_RESULT", nil))

func TestRPCTableCreateAndRemove(t *testing.T) {
	tbl := newRPCTable(10)

	entry, code := tbl.create("r1", testRPCDesc)
	require.Empty(t, code)
	require.NotNil(t, entry)
	assert.Equal(t, "r1", entry.correlationID)
	assert.Equal(t, 1, tbl.len())

	tbl.remove("r1")
	assert.Equal(t, 0, tbl.len())
}

func TestRPCTableRejectsDuplicateCorrelation(t *testing.T) {
	tbl := newRPCTable(10)

	_, code := tbl.create("r1", testRPCDesc)
	require.Empty(t, code)

	entry, code := tbl.create("r1", testRPCDesc)
	assert.Nil(t, entry)
	assert.Equal(t, CodeDuplicateCorrelation, code)

	// Reuse after settlement is allowed.
	tbl.remove("r1")
	_, code = tbl.create("r1", testRPCDesc)
	assert.Empty(t, code)
}

func TestRPCTablePendingLimit(t *testing.T) {
	tbl := newRPCTable(2)

	_, code := tbl.create("r1", testRPCDesc)
	require.Empty(t, code)
	_, code = tbl.create("r2", testRPCDesc)
	require.Empty(t, code)

	entry, code := tbl.create("r3", testRPCDesc)
	assert.Nil(t, entry)
	assert.Equal(t, CodePendingLimit, code)
}

func TestClaimTerminalIsOneShot(t *testing.T) {
	tbl := newRPCTable(10)
	entry, _ := tbl.create("r1", testRPCDesc)

	assert.True(t, entry.claimTerminal())
	assert.False(t, entry.claimTerminal())
}

func TestClaimTerminalRace(t *testing.T) {
	tbl := newRPCTable(10)
	entry, _ := tbl.create("r1", testRPCDesc)

	const racers = 50
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if entry.claimTerminal() {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestAbortCancelsContextAndRunsCallbacks(t *testing.T) {
	tbl := newRPCTable(10)
	entry, _ := tbl.create("r1", testRPCDesc)

	fired := false
	entry.addCancel(func() { fired = true })

	got := tbl.abort("r1")
	require.Same(t, entry, got)
	assert.True(t, fired)
	assert.Error(t, entry.ctx.Err())
	assert.Equal(t, 0, tbl.len())
}

func TestAbortUnknownCorrelationReturnsNil(t *testing.T) {
	tbl := newRPCTable(10)
	assert.Nil(t, tbl.abort("missing"))
}

func TestAbortLosesToTerminal(t *testing.T) {
	tbl := newRPCTable(10)
	entry, _ := tbl.create("r1", testRPCDesc)

	require.True(t, entry.claimTerminal())
	assert.Nil(t, tbl.abort("r1"))
	// The entry was not cancelled: the terminal response owns it.
	assert.NoError(t, entry.ctx.Err())
}

func TestAddCancelAfterCancellationRunsImmediately(t *testing.T) {
	tbl := newRPCTable(10)
	entry, _ := tbl.create("r1", testRPCDesc)
	tbl.abort("r1")

	fired := false
	entry.addCancel(func() { fired = true })
	assert.True(t, fired)
}

func TestAbortAllCancelsEverything(t *testing.T) {
	tbl := newRPCTable(10)
	e1, _ := tbl.create("r1", testRPCDesc)
	e2, _ := tbl.create("r2", testRPCDesc)

	tbl.abortAll()

	assert.Equal(t, 0, tbl.len())
	assert.Error(t, e1.ctx.Err())
	assert.Error(t, e2.ctx.Err())
	// Terminals are marked so late replies become no-ops.
	assert.False(t, e1.claimTerminal())
	assert.False(t, e2.claimTerminal())
}
