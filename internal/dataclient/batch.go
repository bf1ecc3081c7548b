package dataclient

import (
	"context"
	"fmt"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one write in a Batch or a sequence.
type Operation struct {
	Kind    OpKind
	Table   string
	Rows    []Row          // insert
	Patch   Row            // update
	Filters map[string]any // update, delete
}

// BatchResult holds one entry per input operation, in input order. A nil
// error means that operation succeeded.
type BatchResult struct {
	Results [][]Row
	Errors  []*ClientError
	Success bool
}

// Batch runs ops one after another. A failed operation does not stop the
// rest and nothing is rolled back.
func (c *Client) Batch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	if !c.caps.Write {
		return nil, c.deny("batch", "write")
	}

	res := &BatchResult{
		Results: make([][]Row, len(ops)),
		Errors:  make([]*ClientError, len(ops)),
		Success: true,
	}
	for i, op := range ops {
		rows, err := c.apply(ctx, op)
		res.Results[i] = rows
		if err != nil {
			res.Errors[i] = FormatError(err)
			res.Success = false
		}
	}
	return res, nil
}

func (c *Client) apply(ctx context.Context, op Operation) ([]Row, error) {
	switch op.Kind {
	case OpInsert:
		return c.insert(ctx, op.Table, op.Rows)
	case OpUpdate:
		return c.update(ctx, op.Table, op.Patch, op.Filters)
	case OpDelete:
		return c.delete(ctx, op.Table, op.Filters)
	default:
		return nil, validationError(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}
