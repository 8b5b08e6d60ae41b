package models

import "time"

// Role is the mutation authority attached to a user. Roles form a total
// order: viewer < editor < admin.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer: 0,
	RoleEditor: 1,
	RoleAdmin:  2,
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r has rank >= other. Unknown roles rank below viewer.
func (r Role) AtLeast(other Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		rank = -1
	}
	otherRank, ok := roleRank[other]
	if !ok {
		otherRank = -1
	}
	return rank >= otherRank
}

// User is the identity carried by a verified token. Immutable for the
// lifetime of a socket.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

/*** WebSocket wire frames ***/

// Binary frame types. The first byte of every binary frame selects the
// payload interpretation; the remainder is opaque to the transport.
const (
	FrameSync      byte = 0
	FrameAwareness byte = 1
)

type WelcomeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	RoomID  string `json:"roomId"`
	User    User   `json:"user"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ChatMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Text     string `json:"text"`
	SentAt   string `json:"sentAt"`
}

/*** Persisted records (MongoDB) ***/

type UserRecord struct {
	ID       string    `bson:"_id"`
	Username string    `bson:"username"`
	Avatar   string    `bson:"avatar"`
	JoinDate time.Time `bson:"joinDate"`
	Role     Role      `bson:"role"`
}

type ProjectRecord struct {
	ID          string          `bson:"_id"`
	Name        string          `bson:"name"`
	CreatedAt   time.Time       `bson:"createdAt"`
	UpdatedAt   time.Time       `bson:"updatedAt"`
	Permissions map[string]Role `bson:"permissions"`
}

type FileRecord struct {
	ID        string `bson:"_id"`
	ProjectID string `bson:"projectId"`
	Path      string `bson:"path"`
	Content   string `bson:"content"`
}

type SuggestionRecord struct {
	ID        string           `bson:"_id"`
	ProjectID string           `bson:"projectId"`
	FileID    string           `bson:"fileId"`
	CreatorID string           `bson:"creatorId"`
	Text      string           `bson:"text"`
	Votes     map[string]int64 `bson:"votes"`
}
