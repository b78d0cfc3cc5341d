// Package query streams the points of an octree that pass a spatial filter in caller sized
// batches. A Query keeps its traversal cursor between calls and is not safe for concurrent use.
package query

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/voxelvault/attributes"
	"go.viam.com/voxelvault/logging"
	"go.viam.com/voxelvault/octree"
	"go.viam.com/voxelvault/pointcloud"
	"go.viam.com/voxelvault/utils"
)

// ErrExhausted is returned by Execute once the traversal has no further matches.
var ErrExhausted = errors.Wrap(utils.ErrNotFound, "query exhausted")

// ctxCheckInterval is how many nodes are visited between context checks.
const ctxCheckInterval = 1024

// frame is a node on the traversal stack and the next child slot to visit.
type frame struct {
	node   *octree.Node
	slot   int
	accept bool
}

// Query binds an octree and a filter to a depth-first cursor. Children are visited in slot order
// 0 to 7 so results come out in a fixed order.
type Query struct {
	logger logging.Logger
	tree   *octree.Octree
	filter Filter

	stack   []frame
	started bool
	done    bool
	visited int64
	matched int64
	conv    *attributes.Converter
	convTo  *attributes.Set
}

// New binds a query to tree and a copy of filter with the cursor at the root.
func New(tree *octree.Octree, filter *Filter, logger logging.Logger) (*Query, error) {
	if tree == nil {
		return nil, utils.NewInvalidParameterError("query needs an octree")
	}
	if filter == nil {
		return nil, utils.NewInvalidParameterError("query needs a filter")
	}
	q := &Query{logger: logger.Sublogger("query"), tree: tree, filter: *filter}
	q.reset()
	return q, nil
}

// ChangeFilter swaps the filter and rewinds the cursor. Unread results are discarded.
func (q *Query) ChangeFilter(filter *Filter) error {
	if filter == nil {
		return utils.NewInvalidParameterError("query needs a filter")
	}
	q.filter = *filter
	q.reset()
	return nil
}

// ChangeModel swaps the octree and rewinds the cursor. Unread results are discarded.
func (q *Query) ChangeModel(tree *octree.Octree) error {
	if tree == nil {
		return utils.NewInvalidParameterError("query needs an octree")
	}
	q.tree = tree
	q.conv, q.convTo = nil, nil
	q.reset()
	return nil
}

func (q *Query) reset() {
	q.stack = q.stack[:0]
	q.started = false
	q.done = false
	q.visited = 0
	q.matched = 0
}

// Matched returns how many points the cursor has produced since it was last rewound.
func (q *Query) Matched() int64 { return q.matched }

// ExecuteF64 empties buf and fills it with the world positions of the next matches. It returns
// ErrExhausted when no match remains.
func (q *Query) ExecuteF64(ctx context.Context, buf *pointcloud.PointBufferF64) error {
	if buf == nil {
		return utils.NewInvalidParameterError("nil point buffer")
	}
	buf.Reset()
	return q.execute(ctx, buf.Full, buf.Len, func(n *octree.Node, rec []byte) error {
		p := leafCentre(q.tree, n)
		slot, err := buf.AppendSlot([3]float64{p.X, p.Y, p.Z})
		if err != nil {
			return err
		}
		q.convert(slot, rec, buf.Attributes())
		return nil
	})
}

// ExecuteI64 empties buf and fills it with the leaf cell coordinates, relative to the octree
// origin, of the next matches. It returns ErrExhausted when no match remains.
func (q *Query) ExecuteI64(ctx context.Context, buf *pointcloud.PointBufferI64) error {
	if buf == nil {
		return utils.NewInvalidParameterError("nil point buffer")
	}
	buf.Reset()
	return q.execute(ctx, buf.Full, buf.Len, func(n *octree.Node, rec []byte) error {
		c := q.tree.LeafCell(n)
		slot, err := buf.AppendSlot([3]int64{c.I, c.J, c.K})
		if err != nil {
			return err
		}
		q.convert(slot, rec, buf.Attributes())
		return nil
	})
}

func (q *Query) convert(dst, rec []byte, to *attributes.Set) {
	if q.convTo != to {
		q.convTo = to
		q.conv = attributes.NewConverter(q.tree.Attributes(), to)
	}
	q.conv.Convert(dst, rec)
}

// execute advances the cursor until full reports true or the traversal ends. A node that cannot
// be read fails the call and is skipped by later calls.
func (q *Query) execute(
	ctx context.Context,
	full func() bool,
	count func() int,
	emit func(n *octree.Node, rec []byte) error,
) error {
	if err := ctx.Err(); err != nil {
		return utils.WithKind(utils.Cancelled, err)
	}
	if !q.started {
		q.started = true
		if root := q.tree.Root(); root != octree.NoChild {
			if err := q.visit(root, false, emit); err != nil {
				return err
			}
		}
	}
	for !q.done && !full() {
		if len(q.stack) == 0 {
			q.done = true
			q.logger.Debugw("query finished", "filter", q.filter.String(), "visited", q.visited, "matched", q.matched)
			break
		}
		if q.visited%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return utils.WithKind(utils.Cancelled, err)
			}
		}
		top := &q.stack[len(q.stack)-1]
		if top.slot >= len(top.node.Children) {
			q.stack = q.stack[:len(q.stack)-1]
			continue
		}
		child := top.node.Children[top.slot]
		top.slot++
		if child == octree.NoChild {
			continue
		}
		if err := q.visit(child, top.accept, emit); err != nil {
			return err
		}
	}
	if count() == 0 && q.done {
		return ErrExhausted
	}
	return nil
}

// visit classifies the node at h. Leaves are emitted at once; inner nodes are pushed.
func (q *Query) visit(h int32, accept bool, emit func(n *octree.Node, rec []byte) error) error {
	q.visited++
	n, err := q.tree.Node(h)
	if err != nil {
		return err
	}
	if !accept {
		switch q.filter.classify(q.tree.NodeBounds(n)) {
		case prune:
			return nil
		case acceptAll:
			accept = true
		}
	}
	if !n.IsLeaf() {
		q.stack = append(q.stack, frame{node: n, accept: accept})
		return nil
	}
	if !accept && !q.filter.Matches(leafCentre(q.tree, n)) {
		return nil
	}
	rec, err := q.tree.Record(h)
	if err != nil {
		return err
	}
	if err := emit(n, rec); err != nil {
		return err
	}
	q.matched++
	return nil
}

func leafCentre(tree *octree.Octree, n *octree.Node) r3.Vector {
	return tree.Grid().Center(tree.LeafCell(n))
}
