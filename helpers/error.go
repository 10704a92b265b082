package helpers

import (
	"strings"

	"github.com/juju/errors"
)

// FoldErrors merges non-nil errors into one, nil when there is nothing to report.
func FoldErrors(errs []error) error {
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.New(strings.Join(ss, "\n"))
}
