package hwsim

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
)

// VerdictKind is the outcome of frame classification.
type VerdictKind int

const (
	// VerdictMiss means no rule matched the frame.
	VerdictMiss VerdictKind = iota
	// VerdictQueue means the frame is delivered to a receive queue.
	VerdictQueue
	// VerdictPort means the frame is forwarded to a vport.
	VerdictPort
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictMiss:
		return "miss"
	case VerdictQueue:
		return "queue"
	case VerdictPort:
		return "port"
	}
	return fmt.Sprintf("VerdictKind(%d)", int(k))
}

// Verdict describes how installed steering rules handle a frame.
type Verdict struct {
	Kind   VerdictKind
	Queue  uint32 // receive queue number, if Kind is VerdictQueue
	Vport  uint16 // vport, if Kind is VerdictPort
	Levels []int  // levels of traversed tables
}

// ErrNotEthernet indicates the classified frame cannot be decoded as Ethernet.
var ErrNotEthernet = errors.New("not an Ethernet frame")

// Classify passes an Ethernet frame through the steering tables of every domain of type t,
// starting at each domain's level 0 table.
func (d *Driver) Classify(t hwdrv.DomainType, frame []byte) (v Verdict, e error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return v, ErrNotEthernet
	}
	fm := hwdrv.MatchFromHeader(eth.SrcMAC, eth.DstMAC, uint16(eth.EthernetType))

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.order {
		dom := d.objects[h]
		if dom.kind != KindDomain || dom.domainType != t {
			continue
		}
		for _, root := range d.children(KindTable, dom.handle) {
			if root.level != 0 {
				continue
			}
			if v, ok := d.walk(root, fm, nil); ok {
				return v, nil
			}
		}
	}
	return Verdict{Kind: VerdictMiss}, nil
}

func (d *Driver) children(kind Kind, parent uintptr) (list []*object) {
	for _, h := range d.order {
		if o := d.objects[h]; o.kind == kind && o.deps[0] == parent {
			list = append(list, o)
		}
	}
	return list
}

func (d *Driver) walk(tbl *object, fm hwdrv.Match, levels []int) (Verdict, bool) {
	levels = append(slices.Clone(levels), tbl.level)
	matchers := d.children(KindMatcher, tbl.handle)
	sort.SliceStable(matchers, func(i, j int) bool { return matchers[i].priority < matchers[j].priority })

	for _, m := range matchers {
		for _, rule := range d.children(KindRule, m.handle) {
			if fm.Masked(m.mask) != rule.value.Masked(m.mask) {
				continue
			}
			act := d.objects[rule.actions[0]]
			switch act.name {
			case "dest-rq":
				return Verdict{Kind: VerdictQueue, Queue: d.objects[act.target].num, Levels: levels}, true
			case "dest-vport":
				return Verdict{Kind: VerdictPort, Vport: act.vport, Levels: levels}, true
			case "dest-table":
				return d.walk(d.objects[act.target], fm, levels)
			}
		}
	}
	return Verdict{Kind: VerdictMiss, Levels: levels}, false
}

// EthernetFrame builds a minimal IPv4-over-Ethernet frame with the given addresses.
func EthernetFrame(src, dst []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	payload := gopacket.Payload(make([]byte, 46))
	if e := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, payload); e != nil {
		panic(e)
	}
	return buf.Bytes()
}
