package hwdrv_test

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

var makeAR = testenv.MakeAR

func TestMatch(t *testing.T) {
	assert, _ := makeAR(t)

	var mask hwdrv.Match
	mask.SetSMAC(hwdrv.MACMaskAll)
	assert.Equal(uint64(0xFFFFFFFFFFFF), mask.SMAC())
	assert.Zero(mask.DMAC())
	testenv.BytesEqual(assert, testenv.BytesFromHex("FFFFFFFF FFFF 0000 000000000000"), mask[:14])

	var value hwdrv.Match
	value.SetSMAC(0xAABBCCDDEEFF).SetDMAC(0x020000000001).SetEtherType(0x0800)
	testenv.BytesEqual(assert, testenv.BytesFromHex("AABBCCDD EEFF 0800 020000000001"), value[:14])

	masked := value.Masked(mask)
	assert.Equal(uint64(0xAABBCCDDEEFF), masked.SMAC())
	assert.Zero(masked.DMAC())
	assert.Zero(masked.EtherType())

	src, _ := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	dst, _ := net.ParseMAC("02:00:00:00:00:01")
	assert.Equal(value, hwdrv.MatchFromHeader(src, dst, 0x0800))
}

func TestErrors(t *testing.T) {
	assert, _ := makeAR(t)

	e := hwdrv.NewOpError("flexio_cq_create", hwdrv.ErrDriver, -22)
	assert.EqualError(e, "flexio_cq_create: driver error (status -22)")
	assert.ErrorIs(e, hwdrv.ErrDriver)
	assert.Equal(hwdrv.ErrDriver, hwdrv.Category(fmt.Errorf("allocate TX: %w", e)))

	e = hwdrv.NewOpError("ibv_get_device_list", hwdrv.ErrNotFound, 0)
	assert.EqualError(e, "ibv_get_device_list: not found")
	assert.Equal(hwdrv.ErrNotFound, hwdrv.Category(e))

	assert.Nil(hwdrv.Category(errors.New("other")))
}

func TestStringers(t *testing.T) {
	assert, _ := makeAR(t)
	assert.Equal("0x1000", hwdrv.DevAddr(0x1000).String())
	assert.Equal("ingress", hwdrv.DomainIngress.String())
	assert.Equal("forwarding", hwdrv.DomainForwarding.String())
	assert.Equal("offload-thread", hwdrv.CQOffloadThread.String())
	assert.Equal("strict", hwdrv.AffinityStrict.String())
}
