package publish

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// undoStack holds compensating actions in the order their writes ran
type undoStack struct {
	actions []compensation
}

func (u *undoStack) push(name string, fn func(ctx context.Context) error) {
	u.actions = append(u.actions, compensation{name: name, fn: fn})
}

func (u *undoStack) len() int {
	return len(u.actions)
}

// unwind runs every action in reverse, continuing past failures
func (u *undoStack) unwind(ctx context.Context) error {
	var result *multierror.Error
	for i := len(u.actions) - 1; i >= 0; i-- {
		a := u.actions[i]
		if err := a.fn(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("undo %s: %w", a.name, err))
		}
	}
	u.actions = nil
	return result.ErrorOrNil()
}
