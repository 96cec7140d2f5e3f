package steering

import (
	"fmt"
	"net"

	"github.com/usnistgov/l2reflector/core/cleanup"
	"github.com/usnistgov/l2reflector/core/macaddr"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"go.uber.org/zap"
)

// State is the state of a Pipeline.
type State int

// State values.
const (
	StateCreated State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Pipeline is a domain with its tables and rules.
type Pipeline struct {
	Name   string
	Domain *Domain
	Tables []*Table
	Rules  []*Rule

	state State
	undo  cleanup.Stack
}

// State returns the pipeline state.
func (pl *Pipeline) State() State {
	return pl.state
}

// Close destroys rules, tables, and the domain in reverse creation order.
// Every object is attempted exactly once, even if an earlier one fails.
// Afterwards the pipeline is Destroyed regardless of errors: objects whose release failed are
// reported in the returned error and are not released again by a later Close.
// Closing a destroyed or nil pipeline is a no-op.
func (pl *Pipeline) Close() error {
	if pl == nil || pl.state == StateDestroyed {
		return nil
	}
	e := pl.undo.Unwind()
	pl.state = StateDestroyed
	if e != nil {
		logger.Error("pipeline teardown error", zap.String("pipeline", pl.Name), zap.Error(e))
	} else {
		logger.Info("pipeline destroyed", zap.String("pipeline", pl.Name))
	}
	return e
}

func (pl *Pipeline) addDomain(d *Domain) {
	pl.Domain = d
	pl.undo.Push("domain", pl.Name, d.Destroy)
}

func (pl *Pipeline) addTable(t *Table) {
	pl.Tables = append(pl.Tables, t)
	pl.undo.Push("table", fmt.Sprintf("%s/%d", pl.Name, t.Level), t.Destroy)
}

func (pl *Pipeline) addRule(r *Rule) {
	pl.Rules = append(pl.Rules, r)
	pl.undo.Push("rule", fmt.Sprintf("%s/%d/%s", pl.Name, r.Table.Level, r.Action.Kind), r.Destroy)
}

func (eng *Engine) build(name string, t hwdrv.DomainType, mac net.HardwareAddr, f func(pl *Pipeline) error) (pl *Pipeline, e error) {
	if !macaddr.IsValid(mac) {
		return nil, fmt.Errorf("%s pipeline MAC address %v: %w", name, mac, hwdrv.ErrInvalidValue)
	}
	pl = &Pipeline{Name: name}
	defer pl.undo.RollbackIf(&e)

	d, e := eng.CreateDomain(t)
	if e != nil {
		return nil, e
	}
	pl.addDomain(d)

	if e = f(pl); e != nil {
		return nil, e
	}
	pl.state = StateActive
	logger.Info("pipeline active", zap.String("pipeline", name), zap.Int("rules", len(pl.Rules)))
	return pl, nil
}

// BuildIngress builds the receive pipeline: one level 0 table that delivers frames
// whose source MAC equals mac to the receive queue rq.
// Frames with any other source MAC are not matched.
func (eng *Engine) BuildIngress(mac net.HardwareAddr, rq hwdrv.RQ) (*Pipeline, error) {
	return eng.build("ingress", hwdrv.DomainIngress, mac, func(pl *Pipeline) error {
		var mask, value hwdrv.Match
		mask.SetSMAC(hwdrv.MACMaskAll)
		value.SetSMAC(macaddr.ToUint64(mac))

		tbl, e := eng.CreateTable(pl.Domain, 0, 0, mask)
		if e != nil {
			return e
		}
		pl.addTable(tbl)

		rule, e := eng.CreateRule(tbl, value, ToQueue(rq))
		if e != nil {
			return e
		}
		pl.addRule(rule)
		return nil
	})
}

// BuildEgress builds the forwarding pipeline: a root table at level 0 that jumps to a
// secondary table at level 1, which forwards frames whose destination MAC equals mac to vport.
// The forwarding domain always dispatches through its root table, so one level is not enough.
func (eng *Engine) BuildEgress(mac net.HardwareAddr, vport uint16) (*Pipeline, error) {
	return eng.build("egress", hwdrv.DomainForwarding, mac, func(pl *Pipeline) error {
		var mask, value hwdrv.Match
		mask.SetDMAC(hwdrv.MACMaskAll)
		value.SetDMAC(macaddr.ToUint64(mac))

		root, e := eng.CreateTable(pl.Domain, 0, 0, mask)
		if e != nil {
			return e
		}
		pl.addTable(root)

		secondary, e := eng.CreateTable(pl.Domain, 1, 0, mask)
		if e != nil {
			return e
		}
		pl.addTable(secondary)

		toPort, e := eng.CreateRule(secondary, value, ToPort(vport))
		if e != nil {
			return e
		}
		pl.addRule(toPort)

		toTable, e := eng.CreateRule(root, value, ToTable(secondary))
		if e != nil {
			return e
		}
		pl.addRule(toTable)
		return nil
	})
}
