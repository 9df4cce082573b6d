package engine

import (
	"time"

	"github.com/raphaelgruber/parley/internal/models"
)

// maxNotices bounds the notice backlog kept in the projection.
const maxNotices = 20

// Notice is a user-visible notification. Err is nil for informational ones.
type Notice struct {
	At   time.Time
	Text string
	Err  error
}

// Projection is a read-only snapshot of the engine for rendering.
type Projection struct {
	Self      models.Identity
	Connected bool

	// Loading is set while Selecting resolves.
	Loading   bool
	Selecting models.Counterpart

	// Err is the error state of the active selection, if any.
	Err *Error

	Active   *models.Conversation
	Timeline []models.Message
	Typing   []int64
	Notices  []Notice
}

// TypingNames maps the typing participants to display names, looking in the
// active counterpart first and then in lookup, which may be nil.
func (p Projection) TypingNames(lookup func(id int64) (string, bool)) []string {
	if len(p.Typing) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.Typing))
	for _, id := range p.Typing {
		names = append(names, p.nameOf(id, lookup))
	}
	return names
}

func (p Projection) nameOf(id int64, lookup func(int64) (string, bool)) string {
	if p.Active != nil {
		switch cp := p.Active.Counterpart.(type) {
		case models.User:
			if cp.ID == id && cp.Name != "" {
				return cp.Name
			}
		case models.Group:
			for _, m := range cp.Participants {
				if m.ID == id && m.Name != "" {
					return m.Name
				}
			}
		}
	}
	if lookup != nil {
		if name, ok := lookup(id); ok {
			return name
		}
	}
	return "user " + models.FormatID(&id)
}
