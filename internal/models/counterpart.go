package models

// Kind distinguishes direct (one-to-one) from group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Identity is the authenticated user for a session.
type Identity struct {
	UserID int64 `json:"userId"`
}

// Counterpart is the other side of a conversation: a User or a Group.
// The interface is sealed; only types in this package implement it.
type Counterpart interface {
	Kind() Kind
	CounterpartID() int64
	DisplayName() string
	sealed()
}

// User is a directory entry that can be addressed directly.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u User) Kind() Kind           { return KindDirect }
func (u User) CounterpartID() int64 { return u.ID }
func (u User) DisplayName() string  { return u.Name }
func (User) sealed()                {}

// Participant is a member of a group.
type Participant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

// Group is a multi-party counterpart. Its id doubles as the chat id.
type Group struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Participants []Participant `json:"participants"`
}

func (g Group) Kind() Kind           { return KindGroup }
func (g Group) CounterpartID() int64 { return g.ID }
func (g Group) DisplayName() string  { return g.Name }
func (Group) sealed()                {}

// ParticipantIDs returns member ids in group order.
func (g Group) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(g.Participants))
	for _, p := range g.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// HasParticipant reports whether id is a member of the group.
func (g Group) HasParticipant(id int64) bool {
	for _, p := range g.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}
