package models

import "time"

// Post is a goal published at the end of a successful clarification dialogue.
type Post struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Obstacle belongs to exactly one post and keeps the order it was produced in.
type Obstacle struct {
	ID       string `json:"id"`
	PostID   string `json:"post_id"`
	Position int    `json:"position"`
	Content  string `json:"content"`
}
