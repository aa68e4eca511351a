package mirror

import (
	"fmt"
	"io"
	"sort"

	"github.com/maruel/natural"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// OpKind names an operation variant.
type OpKind string

const (
	KindCopy     OpKind = "copy"
	KindMove     OpKind = "move"
	KindLiberate OpKind = "liberate"
	KindDelete   OpKind = "delete"
	KindNoOp     OpKind = "noop"
)

// Operation is one planned step. The set of variants is closed:
// Copy, Move, RenameToLiberate, Delete and NoOp.
type Operation interface {
	Kind() OpKind
	// Target is the rooted path the operation acts on.
	Target() string
	String() string
	isOperation()
}

// Copy copies Source from the source tree to Dest in the target tree.
type Copy struct {
	Source Entry
	Dest   string
}

// Move relocates a target entry within its own tree.
type Move struct {
	Entry Entry
	From  string
	To    string
}

// RenameToLiberate frees Path by renaming whatever occupies it. Occupant has
// ID 0 when the occupying file is not indexed.
type RenameToLiberate struct {
	Occupant Entry
	Path     string
}

// Delete removes Entry. Keeper, when set, is the surviving copy whose
// presence justifies the deletion.
type Delete struct {
	Entry  Entry
	Keeper *Entry
	Reason string
}

// NoOp records that Entry was already in place.
type NoOp struct {
	Entry  Entry
	Reason string
}

func (Copy) isOperation()             {}
func (Move) isOperation()             {}
func (RenameToLiberate) isOperation() {}
func (Delete) isOperation()           {}
func (NoOp) isOperation()             {}

func (Copy) Kind() OpKind             { return KindCopy }
func (Move) Kind() OpKind             { return KindMove }
func (RenameToLiberate) Kind() OpKind { return KindLiberate }
func (Delete) Kind() OpKind           { return KindDelete }
func (NoOp) Kind() OpKind             { return KindNoOp }

func (o Copy) Target() string             { return o.Dest }
func (o Move) Target() string             { return o.To }
func (o RenameToLiberate) Target() string { return o.Path }
func (o Delete) Target() string           { return o.Entry.RelPath() }
func (o NoOp) Target() string             { return o.Entry.RelPath() }

func (o Copy) String() string { return fmt.Sprintf("copy %s -> %s", o.Source.RelPath(), o.Dest) }
func (o Move) String() string { return fmt.Sprintf("move %s -> %s", o.From, o.To) }
func (o RenameToLiberate) String() string {
	if o.Occupant.ID == 0 {
		return fmt.Sprintf("liberate %s (untracked)", o.Path)
	}
	return fmt.Sprintf("liberate %s", o.Path)
}
func (o Delete) String() string {
	if o.Keeper != nil {
		return fmt.Sprintf("delete %s (kept %s)", o.Entry.RelPath(), o.Keeper.RelPath())
	}
	return fmt.Sprintf("delete %s (%s)", o.Entry.RelPath(), o.Reason)
}
func (o NoOp) String() string { return fmt.Sprintf("noop %s (%s)", o.Entry.RelPath(), o.Reason) }

// Skip records a source entry that planning deliberately left alone.
type Skip struct {
	Entry  Entry
	State  EntryState
	Detail string
}

// Plan is an ordered, immutable list of operations. A RenameToLiberate is
// always immediately followed by the operation that needs its path.
type Plan struct {
	name  string
	ops   []Operation
	skips []Skip
}

// Name identifies the planning pass that produced p.
func (p *Plan) Name() string { return p.name }

// Ops returns a copy of the operations in execution order.
func (p *Plan) Ops() []Operation { return append([]Operation(nil), p.ops...) }

// Skips returns a copy of the skip records.
func (p *Plan) Skips() []Skip { return append([]Skip(nil), p.skips...) }

// Len returns the number of operations, NoOps included.
func (p *Plan) Len() int { return len(p.ops) }

// Counts returns how many operations of each kind p holds.
func (p *Plan) Counts() map[OpKind]int {
	return lo.CountValuesBy(p.ops, func(op Operation) OpKind { return op.Kind() })
}

// SkipCounts returns how many source entries ended in each skip state.
func (p *Plan) SkipCounts() map[EntryState]int {
	return lo.CountValuesBy(p.skips, func(s Skip) EntryState { return s.State })
}

// IsNoOp reports whether executing p would change nothing.
func (p *Plan) IsNoOp() bool {
	return lo.EveryBy(p.ops, func(op Operation) bool { return op.Kind() == KindNoOp })
}

// HasDeletes reports whether p carries destructive operations.
func (p *Plan) HasDeletes() bool {
	return lo.SomeBy(p.ops, func(op Operation) bool { return op.Kind() == KindDelete })
}

// Deletes returns the Delete operations of p ordered naturally by path,
// for presentation to a confirmation gate.
func (p *Plan) Deletes() []Delete {
	var out []Delete
	for _, op := range p.ops {
		if d, ok := op.(Delete); ok {
			out = append(out, d)
		}
	}
	sortNatural(out, func(d Delete) string { return d.Entry.RelPath() })
	return out
}

// WithoutDeletes returns a plan with every Delete dropped.
func (p *Plan) WithoutDeletes() *Plan {
	return &Plan{
		name:  p.name,
		ops:   lo.Reject(p.ops, func(op Operation, _ int) bool { return op.Kind() == KindDelete }),
		skips: p.skips,
	}
}

// CopyBytes sums the sizes of every planned copy.
func (p *Plan) CopyBytes() int64 {
	return lo.SumBy(p.ops, func(op Operation) int64 {
		if c, ok := op.(Copy); ok {
			return c.Source.Size
		}
		return 0
	})
}

// PlanRecord is the flat, exportable form of one operation or skip.
type PlanRecord struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path"`
	To     string `yaml:"to,omitempty"`
	Digest string `yaml:"digest,omitempty"`
	Size   int64  `yaml:"size,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// Records flattens p into exportable records, operations first.
func (p *Plan) Records() []PlanRecord {
	out := make([]PlanRecord, 0, len(p.ops)+len(p.skips))
	for _, op := range p.ops {
		switch o := op.(type) {
		case Copy:
			out = append(out, PlanRecord{Kind: string(KindCopy), Path: o.Source.RelPath(), To: o.Dest, Digest: o.Source.Digest.Hex(), Size: o.Source.Size})
		case Move:
			out = append(out, PlanRecord{Kind: string(KindMove), Path: o.From, To: o.To, Digest: o.Entry.Digest.Hex(), Size: o.Entry.Size})
		case RenameToLiberate:
			r := PlanRecord{Kind: string(KindLiberate), Path: o.Path}
			if o.Occupant.ID != 0 {
				r.Digest = o.Occupant.Digest.Hex()
			} else {
				r.Reason = "untracked occupant"
			}
			out = append(out, r)
		case Delete:
			r := PlanRecord{Kind: string(KindDelete), Path: o.Entry.RelPath(), Digest: o.Entry.Digest.Hex(), Size: o.Entry.Size, Reason: o.Reason}
			if o.Keeper != nil {
				r.To = o.Keeper.RelPath()
			}
			out = append(out, r)
		case NoOp:
			out = append(out, PlanRecord{Kind: string(KindNoOp), Path: o.Entry.RelPath(), Reason: o.Reason})
		}
	}
	for _, s := range p.skips {
		out = append(out, PlanRecord{Kind: "skip", Path: s.Entry.RelPath(), Digest: s.Entry.Digest.Hex(), Reason: string(s.State) + ": " + s.Detail})
	}
	return out
}

// WriteYAML exports the plan records to w.
func (p *Plan) WriteYAML(w io.Writer) error {
	doc := struct {
		Plan       string       `yaml:"plan"`
		Operations []PlanRecord `yaml:"operations"`
	}{Plan: p.name, Operations: p.Records()}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return enc.Close()
}

// planBuilder accumulates a plan; only the planner mutates it.
type planBuilder struct {
	plan *Plan
}

func newPlanBuilder(name string) *planBuilder {
	return &planBuilder{plan: &Plan{name: name}}
}

func (b *planBuilder) add(ops ...Operation) { b.plan.ops = append(b.plan.ops, ops...) }

func (b *planBuilder) skip(e Entry, state EntryState, detail string) {
	b.plan.skips = append(b.plan.skips, Skip{Entry: e, State: state, Detail: detail})
}

func (b *planBuilder) done() *Plan { return b.plan }

// sortNatural orders items by key using natural string order, so "file 2"
// sorts before "file 10".
func sortNatural[T any](items []T, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return natural.Less(key(items[i]), key(items[j]))
	})
}
