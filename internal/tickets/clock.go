package tickets

import (
	"sync/atomic"

	"github.com/desertthunder/mbingo/internal/models"
)

// Clock issues strictly increasing stamps. The zero value starts at 1.
type Clock struct {
	n atomic.Uint64
}

// Next returns a stamp greater than every stamp returned before.
func (c *Clock) Next() models.Stamp {
	return models.Stamp(c.n.Add(1))
}
