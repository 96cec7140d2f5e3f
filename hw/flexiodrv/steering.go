//go:build flexio

package flexiodrv

/*
#include <stdlib.h>
#include <infiniband/mlx5dv.h>
#include <libflexio/flexio.h>

struct mlx5dv_flow_match_parameters* l2r_match_new(const void* buf);
*/
import "C"

import (
	"unsafe"

	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

// CreateDomain implements hwdrv.Driver.
func (d *Driver) CreateDomain(h hwdrv.Context, t hwdrv.DomainType) (hwdrv.Domain, error) {
	const op = "mlx5dv_dr_domain_create"
	ctx, e := d.ctx(op, h)
	if e != nil {
		return 0, e
	}
	dt := C.enum_mlx5dv_dr_domain_type(C.MLX5DV_DR_DOMAIN_TYPE_NIC_RX)
	if t == hwdrv.DomainForwarding {
		dt = C.MLX5DV_DR_DOMAIN_TYPE_FDB
	}
	dom, errno := C.mlx5dv_dr_domain_create(ctx, dt)
	if dom == nil {
		return 0, errnoError(op, errno)
	}
	return hwdrv.Domain(d.put(unsafe.Pointer(dom))), nil
}

func (d *Driver) domain(op string, h hwdrv.Domain) (*C.struct_mlx5dv_dr_domain, error) {
	ptr, e := d.get(op, uintptr(h))
	return (*C.struct_mlx5dv_dr_domain)(ptr), e
}

// DestroyDomain implements hwdrv.Driver.
func (d *Driver) DestroyDomain(h hwdrv.Domain) error {
	const op = "mlx5dv_dr_domain_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.mlx5dv_dr_domain_destroy((*C.struct_mlx5dv_dr_domain)(ptr)))
	})
}

// CreateTable implements hwdrv.Driver.
func (d *Driver) CreateTable(h hwdrv.Domain, level int) (hwdrv.Table, error) {
	const op = "mlx5dv_dr_table_create"
	dom, e := d.domain(op, h)
	if e != nil {
		return 0, e
	}
	tbl, errno := C.mlx5dv_dr_table_create(dom, C.uint32_t(level))
	if tbl == nil {
		return 0, errnoError(op, errno)
	}
	return hwdrv.Table(d.put(unsafe.Pointer(tbl))), nil
}

func (d *Driver) table(op string, h hwdrv.Table) (*C.struct_mlx5dv_dr_table, error) {
	ptr, e := d.get(op, uintptr(h))
	return (*C.struct_mlx5dv_dr_table)(ptr), e
}

// DestroyTable implements hwdrv.Driver.
func (d *Driver) DestroyTable(h hwdrv.Table) error {
	const op = "mlx5dv_dr_table_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.mlx5dv_dr_table_destroy((*C.struct_mlx5dv_dr_table)(ptr)))
	})
}

// CreateMatcher implements hwdrv.Driver.
func (d *Driver) CreateMatcher(h hwdrv.Table, priority int, mask hwdrv.Match) (hwdrv.Matcher, error) {
	const op = "mlx5dv_dr_matcher_create"
	tbl, e := d.table(op, h)
	if e != nil {
		return 0, e
	}
	m := C.l2r_match_new(unsafe.Pointer(&mask[0]))
	if m == nil {
		return 0, hwdrv.NewOpError(op, hwdrv.ErrNoMemory, 0)
	}
	defer C.free(unsafe.Pointer(m))
	matcher, errno := C.mlx5dv_dr_matcher_create(tbl, C.uint16_t(priority), matchCriteriaOuter, m)
	if matcher == nil {
		return 0, errnoError(op, errno)
	}
	return hwdrv.Matcher(d.put(unsafe.Pointer(matcher))), nil
}

// DestroyMatcher implements hwdrv.Driver.
func (d *Driver) DestroyMatcher(h hwdrv.Matcher) error {
	const op = "mlx5dv_dr_matcher_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.mlx5dv_dr_matcher_destroy((*C.struct_mlx5dv_dr_matcher)(ptr)))
	})
}

func (d *Driver) action(ptr *C.struct_mlx5dv_dr_action, errno error, op string) (hwdrv.Action, error) {
	if ptr == nil {
		return 0, errnoError(op, errno)
	}
	return hwdrv.Action(d.put(unsafe.Pointer(ptr))), nil
}

// CreateActionDestRQ implements hwdrv.Driver.
func (d *Driver) CreateActionDestRQ(h hwdrv.RQ) (hwdrv.Action, error) {
	const op = "mlx5dv_dr_action_create_dest_devx_tir"
	rq, e := d.get(op, uintptr(h))
	if e != nil {
		return 0, e
	}
	tir := C.flexio_rq_get_tir((*C.struct_flexio_rq)(rq))
	ptr, errno := C.mlx5dv_dr_action_create_dest_devx_tir(tir)
	return d.action(ptr, errno, op)
}

// CreateActionDestTable implements hwdrv.Driver.
func (d *Driver) CreateActionDestTable(h hwdrv.Table) (hwdrv.Action, error) {
	const op = "mlx5dv_dr_action_create_dest_table"
	tbl, e := d.table(op, h)
	if e != nil {
		return 0, e
	}
	ptr, errno := C.mlx5dv_dr_action_create_dest_table(tbl)
	return d.action(ptr, errno, op)
}

// CreateActionDestVport implements hwdrv.Driver.
func (d *Driver) CreateActionDestVport(h hwdrv.Domain, vport uint16) (hwdrv.Action, error) {
	const op = "mlx5dv_dr_action_create_dest_vport"
	dom, e := d.domain(op, h)
	if e != nil {
		return 0, e
	}
	ptr, errno := C.mlx5dv_dr_action_create_dest_vport(dom, C.uint32_t(vport))
	return d.action(ptr, errno, op)
}

// DestroyAction implements hwdrv.Driver.
func (d *Driver) DestroyAction(h hwdrv.Action) error {
	const op = "mlx5dv_dr_action_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.mlx5dv_dr_action_destroy((*C.struct_mlx5dv_dr_action)(ptr)))
	})
}

// CreateRule implements hwdrv.Driver.
func (d *Driver) CreateRule(h hwdrv.Matcher, value hwdrv.Match, actions ...hwdrv.Action) (hwdrv.Rule, error) {
	const op = "mlx5dv_dr_rule_create"
	const maxActions = 8
	if len(actions) == 0 || len(actions) > maxActions {
		return 0, hwdrv.NewOpError(op, hwdrv.ErrInvalidValue, 0)
	}
	matcher, e := d.get(op, uintptr(h))
	if e != nil {
		return 0, e
	}
	var actionPtrs [maxActions]unsafe.Pointer
	for i, a := range actions {
		if actionPtrs[i], e = d.get(op, uintptr(a)); e != nil {
			return 0, e
		}
	}

	m := C.l2r_match_new(unsafe.Pointer(&value[0]))
	if m == nil {
		return 0, hwdrv.NewOpError(op, hwdrv.ErrNoMemory, 0)
	}
	defer C.free(unsafe.Pointer(m))

	cActions := (*[maxActions]*C.struct_mlx5dv_dr_action)(C.calloc(maxActions, C.size_t(unsafe.Sizeof((*C.struct_mlx5dv_dr_action)(nil)))))
	defer C.free(unsafe.Pointer(cActions))
	for i := range actions {
		cActions[i] = (*C.struct_mlx5dv_dr_action)(actionPtrs[i])
	}

	rule, errno := C.mlx5dv_dr_rule_create((*C.struct_mlx5dv_dr_matcher)(matcher), m, C.size_t(len(actions)), &cActions[0])
	if rule == nil {
		return 0, errnoError(op, errno)
	}
	return hwdrv.Rule(d.put(unsafe.Pointer(rule))), nil
}

// DestroyRule implements hwdrv.Driver.
func (d *Driver) DestroyRule(h hwdrv.Rule) error {
	const op = "mlx5dv_dr_rule_destroy"
	return d.release(op, uintptr(h), func(ptr unsafe.Pointer) error {
		return intError(op, C.mlx5dv_dr_rule_destroy((*C.struct_mlx5dv_dr_rule)(ptr)))
	})
}
