package flexiodrv

import (
	"testing"
	"unsafe"

	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

var makeAR = testenv.MakeAR

func TestHandleTable(t *testing.T) {
	assert, require := makeAR(t)
	tbl := newHandleTable()

	var obj [8]byte
	h := tbl.put(unsafe.Pointer(&obj))
	require.NotZero(h)

	ptr, e := tbl.get("get", h)
	require.NoError(e)
	assert.Equal(unsafe.Pointer(&obj), ptr)

	_, e = tbl.get("get", 0)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue)
	_, e = tbl.get("get", h+1)
	assert.ErrorIs(e, hwdrv.ErrInvalidValue)

	calls := 0
	fail := func(ptr unsafe.Pointer) error {
		calls++
		return hwdrv.NewOpError("destroy", hwdrv.ErrDriver, -16)
	}
	succeed := func(ptr unsafe.Pointer) error {
		calls++
		assert.Equal(unsafe.Pointer(&obj), ptr)
		return nil
	}

	assert.NoError(tbl.release("destroy", 0, fail))
	assert.Zero(calls)

	assert.ErrorIs(tbl.release("destroy", h, fail), hwdrv.ErrDriver)
	assert.Equal(1, calls)
	_, e = tbl.get("get", h)
	assert.NoError(e, "handle is kept after failed release")

	assert.NoError(tbl.release("destroy", h, succeed))
	assert.Equal(2, calls)

	assert.ErrorIs(tbl.release("destroy", h, succeed), hwdrv.ErrInvalidValue)
	assert.Equal(2, calls, "released handle never reaches the C call")
}
