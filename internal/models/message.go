package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry of a dialogue transcript sent to the chat model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Message is one discussion comment under an obstacle.
type Message struct {
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	ObstacleID string    `json:"obstacle_id"`
	Content    string    `json:"content"`
	Author     Author    `json:"author"`
	CreatedAt  time.Time `json:"created_at"`
}
