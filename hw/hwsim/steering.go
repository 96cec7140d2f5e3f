package hwsim

import (
	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

// CreateDomain implements hwdrv.Driver.
func (d *Driver) CreateDomain(ctx hwdrv.Context, t hwdrv.DomainType) (hwdrv.Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateDomain); e != nil {
		return 0, e
	}
	if d.get(KindContext, uintptr(ctx)) == nil || (t != hwdrv.DomainIngress && t != hwdrv.DomainForwarding) {
		return 0, invalid(OpCreateDomain)
	}
	return hwdrv.Domain(d.add(OpCreateDomain, &object{
		kind:       KindDomain,
		domainType: t,
		deps:       []uintptr{uintptr(ctx)},
	})), nil
}

// DestroyDomain implements hwdrv.Driver.
func (d *Driver) DestroyDomain(dom hwdrv.Domain) error {
	return d.destroy(OpDestroyDomain, KindDomain, uintptr(dom))
}

// CreateTable implements hwdrv.Driver.
func (d *Driver) CreateTable(dom hwdrv.Domain, level int) (hwdrv.Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateTable); e != nil {
		return 0, e
	}
	if d.get(KindDomain, uintptr(dom)) == nil || level < 0 {
		return 0, invalid(OpCreateTable)
	}
	return hwdrv.Table(d.add(OpCreateTable, &object{
		kind:  KindTable,
		level: level,
		deps:  []uintptr{uintptr(dom)},
	})), nil
}

// DestroyTable implements hwdrv.Driver.
func (d *Driver) DestroyTable(t hwdrv.Table) error {
	return d.destroy(OpDestroyTable, KindTable, uintptr(t))
}

// CreateMatcher implements hwdrv.Driver.
func (d *Driver) CreateMatcher(t hwdrv.Table, priority int, mask hwdrv.Match) (hwdrv.Matcher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateMatcher); e != nil {
		return 0, e
	}
	if d.get(KindTable, uintptr(t)) == nil || mask == (hwdrv.Match{}) {
		return 0, invalid(OpCreateMatcher)
	}
	return hwdrv.Matcher(d.add(OpCreateMatcher, &object{
		kind:     KindMatcher,
		priority: priority,
		mask:     mask,
		deps:     []uintptr{uintptr(t)},
	})), nil
}

// DestroyMatcher implements hwdrv.Driver.
func (d *Driver) DestroyMatcher(m hwdrv.Matcher) error {
	return d.destroy(OpDestroyMatcher, KindMatcher, uintptr(m))
}

// CreateActionDestRQ implements hwdrv.Driver.
func (d *Driver) CreateActionDestRQ(rq hwdrv.RQ) (hwdrv.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateActionRQ); e != nil {
		return 0, e
	}
	if d.get(KindRQ, uintptr(rq)) == nil {
		return 0, invalid(OpCreateActionRQ)
	}
	return hwdrv.Action(d.add(OpCreateActionRQ, &object{
		kind:   KindAction,
		name:   "dest-rq",
		target: uintptr(rq),
		deps:   []uintptr{uintptr(rq)},
	})), nil
}

// CreateActionDestTable implements hwdrv.Driver.
func (d *Driver) CreateActionDestTable(t hwdrv.Table) (hwdrv.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateActionTable); e != nil {
		return 0, e
	}
	tbl := d.get(KindTable, uintptr(t))
	if tbl == nil || tbl.level == 0 {
		return 0, invalid(OpCreateActionTable)
	}
	return hwdrv.Action(d.add(OpCreateActionTable, &object{
		kind:   KindAction,
		name:   "dest-table",
		target: uintptr(t),
		deps:   []uintptr{uintptr(t)},
	})), nil
}

// CreateActionDestVport implements hwdrv.Driver.
func (d *Driver) CreateActionDestVport(dom hwdrv.Domain, vport uint16) (hwdrv.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateActionVport); e != nil {
		return 0, e
	}
	o := d.get(KindDomain, uintptr(dom))
	if o == nil || o.domainType != hwdrv.DomainForwarding {
		return 0, invalid(OpCreateActionVport)
	}
	return hwdrv.Action(d.add(OpCreateActionVport, &object{
		kind:   KindAction,
		name:   "dest-vport",
		target: uintptr(dom),
		vport:  vport,
		deps:   []uintptr{uintptr(dom)},
	})), nil
}

// DestroyAction implements hwdrv.Driver.
func (d *Driver) DestroyAction(a hwdrv.Action) error {
	return d.destroy(OpDestroyAction, KindAction, uintptr(a))
}

// actionAllowed checks that an action may be attached to a rule in matcher m.
func (d *Driver) actionAllowed(m *object, a *object) bool {
	tbl := d.objects[m.deps[0]]
	dom := d.objects[tbl.deps[0]]
	switch a.name {
	case "dest-rq":
		return dom.domainType == hwdrv.DomainIngress
	case "dest-table":
		dest := d.objects[a.target]
		return dest.deps[0] == dom.handle && dest.level > tbl.level
	case "dest-vport":
		return a.target == dom.handle
	}
	return false
}

// CreateRule implements hwdrv.Driver.
func (d *Driver) CreateRule(m hwdrv.Matcher, value hwdrv.Match, actions ...hwdrv.Action) (hwdrv.Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.injected(OpCreateRule); e != nil {
		return 0, e
	}
	matcher := d.get(KindMatcher, uintptr(m))
	if matcher == nil || len(actions) == 0 {
		return 0, invalid(OpCreateRule)
	}
	o := &object{kind: KindRule, value: value, deps: []uintptr{uintptr(m)}}
	for _, a := range actions {
		act := d.get(KindAction, uintptr(a))
		if act == nil || !d.actionAllowed(matcher, act) {
			return 0, invalid(OpCreateRule)
		}
		o.actions = append(o.actions, uintptr(a))
		o.deps = append(o.deps, uintptr(a))
	}
	return hwdrv.Rule(d.add(OpCreateRule, o)), nil
}

// DestroyRule implements hwdrv.Driver.
func (d *Driver) DestroyRule(r hwdrv.Rule) error {
	return d.destroy(OpDestroyRule, KindRule, uintptr(r))
}
