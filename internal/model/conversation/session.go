package conversation

import "time"

// Session identifies one live WebSocket connection. The conversation log
// keyed by ID outlives the connection.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
