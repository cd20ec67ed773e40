package operation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// NewComposite joins ops into one operation. Starting it starts every member
// that has not been started yet; members are never restarted. It finishes
// once all members have finished.
//
// When members fail, the composite fails with the kind of the first failed
// member in the order given, and a message listing every member failure in
// that same order.
func NewComposite(ops ...*Operation) *Operation {
	return New("composite", func(c *Operation) {
		if len(ops) == 0 {
			c.SetFinished()
			return
		}

		var mu sync.Mutex
		remaining := len(ops)

		for _, op := range ops {
			op.OnFinished(func(*Operation) {
				mu.Lock()
				remaining--
				last := remaining == 0
				mu.Unlock()

				if last {
					finishComposite(c, ops)
				}
			})
		}

		for _, op := range ops {
			op.Start()
		}
	})
}

func finishComposite(c *Operation, ops []*Operation) {
	var (
		result *multierror.Error
		first  *Error
	)

	for _, op := range ops {
		err := op.Error()
		if err == nil {
			continue
		}

		if first == nil {
			first = err
		}

		result = multierror.Append(result, fmt.Errorf("%s: %v", op.Name(), err))
	}

	if first == nil {
		c.SetFinished()
		return
	}

	result.ErrorFormat = joinErrors

	c.finish(&Error{
		Kind:    first.Kind,
		Message: result.Error(),
		Cause:   result.ErrorOrNil(),
	})
}

func joinErrors(errs []error) string {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}

	return strings.Join(messages, "; ")
}
