// Package steering installs MAC-based flow steering rules.
//
// The object hierarchy is domain, table, matcher, rule. A Table owns its matcher, and a Rule
// owns its action. Every Destroy method is idempotent and treats nil as a no-op.
package steering

import (
	"fmt"

	"github.com/usnistgov/l2reflector/core/logging"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("steering")

// ActionKind is the kind of rule action.
type ActionKind int

// ActionKind values.
const (
	ForwardToQueue ActionKind = iota
	ForwardToTable
	ForwardToPort
)

func (k ActionKind) String() string {
	switch k {
	case ForwardToQueue:
		return "forward-to-queue"
	case ForwardToTable:
		return "forward-to-table"
	case ForwardToPort:
		return "forward-to-port"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is the forwarding target of a rule.
type Action struct {
	Kind  ActionKind
	Queue hwdrv.RQ
	Table *Table
	Port  uint16
}

// ToQueue returns an action that delivers matched frames to a receive queue.
func ToQueue(rq hwdrv.RQ) Action {
	return Action{Kind: ForwardToQueue, Queue: rq}
}

// ToTable returns an action that continues matching in another table.
func ToTable(t *Table) Action {
	return Action{Kind: ForwardToTable, Table: t}
}

// ToPort returns an action that forwards matched frames to a vport.
func ToPort(vport uint16) Action {
	return Action{Kind: ForwardToPort, Port: vport}
}

// Engine creates steering objects on one device.
type Engine struct {
	drv hwdrv.Driver
	ctx hwdrv.Context
}

// New creates an Engine.
func New(drv hwdrv.Driver, ctx hwdrv.Context) *Engine {
	return &Engine{drv: drv, ctx: ctx}
}

// Domain is a steering domain.
type Domain struct {
	drv    hwdrv.Driver
	handle hwdrv.Domain
	Type   hwdrv.DomainType
}

// CreateDomain creates a steering domain.
func (eng *Engine) CreateDomain(t hwdrv.DomainType) (*Domain, error) {
	h, e := eng.drv.CreateDomain(eng.ctx, t)
	if e != nil {
		return nil, fmt.Errorf("create %s domain: %w", t, e)
	}
	logger.Debug("domain created", zap.Stringer("type", t))
	return &Domain{drv: eng.drv, handle: h, Type: t}, nil
}

// Destroy destroys the domain.
func (d *Domain) Destroy() error {
	if d == nil {
		return nil
	}
	if e := d.drv.DestroyDomain(d.handle); e != nil {
		return e
	}
	d.handle = 0
	return nil
}

// Table is a steering table with its matcher.
type Table struct {
	drv      hwdrv.Driver
	table    hwdrv.Table
	matcher  hwdrv.Matcher
	Domain   *Domain
	Level    int
	Priority int
	Mask     hwdrv.Match
}

// CreateTable creates a table at the specified level and a matcher over mask.
// mask marks which header bits are significant.
// If matcher creation fails, the table is destroyed.
func (eng *Engine) CreateTable(d *Domain, level, priority int, mask hwdrv.Match) (*Table, error) {
	th, e := eng.drv.CreateTable(d.handle, level)
	if e != nil {
		return nil, fmt.Errorf("create %s table level %d: %w", d.Type, level, e)
	}
	mh, e := eng.drv.CreateMatcher(th, priority, mask)
	if e != nil {
		if err := eng.drv.DestroyTable(th); err != nil {
			logger.Error("destroy table error", zap.Error(err))
		}
		return nil, fmt.Errorf("create %s matcher level %d: %w", d.Type, level, e)
	}
	logger.Debug("table created", zap.Stringer("domain", d.Type), zap.Int("level", level))
	return &Table{
		drv:      eng.drv,
		table:    th,
		matcher:  mh,
		Domain:   d,
		Level:    level,
		Priority: priority,
		Mask:     mask,
	}, nil
}

// Destroy destroys the matcher and then the table.
// Both steps are attempted; failures are combined.
func (t *Table) Destroy() (e error) {
	if t == nil {
		return nil
	}
	if err := t.drv.DestroyMatcher(t.matcher); err != nil {
		e = multierr.Append(e, err)
	} else {
		t.matcher = 0
	}
	if err := t.drv.DestroyTable(t.table); err != nil {
		e = multierr.Append(e, err)
	} else {
		t.table = 0
	}
	return e
}

// Rule is a steering rule with its action.
type Rule struct {
	drv    hwdrv.Driver
	rule   hwdrv.Rule
	action hwdrv.Action
	Table  *Table
	Value  hwdrv.Match
	Action Action
}

func (eng *Engine) createAction(t *Table, act Action) (hwdrv.Action, error) {
	switch act.Kind {
	case ForwardToQueue:
		if act.Queue == 0 {
			break
		}
		return eng.drv.CreateActionDestRQ(act.Queue)
	case ForwardToTable:
		if act.Table == nil {
			break
		}
		return eng.drv.CreateActionDestTable(act.Table.table)
	case ForwardToPort:
		return eng.drv.CreateActionDestVport(t.Domain.handle, act.Port)
	}
	return 0, hwdrv.ErrInvalidValue
}

// CreateRule installs a rule in table t: frames whose masked header equals the masked value
// are handled by act.
// If rule creation fails, the action is destroyed.
func (eng *Engine) CreateRule(t *Table, value hwdrv.Match, act Action) (*Rule, error) {
	ah, e := eng.createAction(t, act)
	if e != nil {
		return nil, fmt.Errorf("create %s action: %w", act.Kind, e)
	}
	rh, e := eng.drv.CreateRule(t.matcher, value, ah)
	if e != nil {
		if err := eng.drv.DestroyAction(ah); err != nil {
			logger.Error("destroy action error", zap.Error(err))
		}
		return nil, fmt.Errorf("create rule level %d: %w", t.Level, e)
	}
	logger.Debug("rule created",
		zap.Stringer("domain", t.Domain.Type),
		zap.Int("level", t.Level),
		zap.Stringer("action", act.Kind),
	)
	return &Rule{drv: eng.drv, rule: rh, action: ah, Table: t, Value: value, Action: act}, nil
}

// Destroy destroys the rule and then its action.
// Both steps are attempted; failures are combined.
func (r *Rule) Destroy() (e error) {
	if r == nil {
		return nil
	}
	if err := r.drv.DestroyRule(r.rule); err != nil {
		e = multierr.Append(e, err)
	} else {
		r.rule = 0
	}
	if err := r.drv.DestroyAction(r.action); err != nil {
		e = multierr.Append(e, err)
	} else {
		r.action = 0
	}
	return e
}
