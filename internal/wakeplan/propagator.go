package wakeplan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kioskadmin/internal/auth"
)

type Mode string

const (
	ModeSet    Mode = "set"
	ModeRemove Mode = "remove"
)

// Dispatch is one call to the job service: a script run across PCs.
type Dispatch struct {
	SiteID uint
	PCs    []uint
	Mode   Mode
	Args   []string
}

func (d Dispatch) key() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(d.SiteID), 10))
	b.WriteByte('|')
	b.WriteString(string(d.Mode))
	b.WriteByte('|')
	for i, id := range d.PCs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	b.WriteByte('|')
	b.WriteString(strings.Join(d.Args, "\x1f"))
	return b.String()
}

// Dispatcher enqueues the set/remove script on a PC collection and returns the batch id.
type Dispatcher interface {
	RunWakeScript(ctx context.Context, ac auth.Context, d Dispatch) (uint, error)
}

// Propagator collects schedule changes during phase one of a mutation and
// sends them in phase two, once the transaction has committed. Each
// distinct (site, pcs, mode, args) tuple is dispatched once.
type Propagator struct {
	pending []Dispatch
	seen    map[string]struct{}
}

func NewPropagator() *Propagator {
	return &Propagator{seen: map[string]struct{}{}}
}

// Apply queues a dispatch. Empty PC sets are ignored; REMOVE never carries args.
func (p *Propagator) Apply(siteID uint, pcs IDSet, mode Mode, args []string) {
	if pcs.Len() == 0 {
		return
	}
	if mode == ModeRemove {
		args = nil
	}
	d := Dispatch{SiteID: siteID, PCs: pcs.Sorted(), Mode: mode, Args: append([]string(nil), args...)}
	k := d.key()
	if _, dup := p.seen[k]; dup {
		return
	}
	p.seen[k] = struct{}{}
	p.pending = append(p.pending, d)
}

func (p *Propagator) Set(siteID uint, pcs IDSet, args []string) {
	p.Apply(siteID, pcs, ModeSet, args)
}

func (p *Propagator) Remove(siteID uint, pcs IDSet) {
	p.Apply(siteID, pcs, ModeRemove, nil)
}

func (p *Propagator) Pending() []Dispatch {
	return append([]Dispatch(nil), p.pending...)
}

// Flush sends every queued dispatch in order. A failing dispatch does not
// stop the others; the failures are joined into the returned error.
func (p *Propagator) Flush(ctx context.Context, d Dispatcher, ac auth.Context) ([]uint, error) {
	batches := make([]uint, 0, len(p.pending))
	var errs []error
	for _, dp := range p.pending {
		id, err := d.RunWakeScript(ctx, ac, dp)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s on %d pc(s): %w", dp.Mode, len(dp.PCs), err))
			continue
		}
		batches = append(batches, id)
	}
	p.pending = nil
	p.seen = map[string]struct{}{}
	return batches, errors.Join(errs...)
}
