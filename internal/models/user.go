package models

import "time"

// User is an account created at sign-up. It is never edited afterwards.
type User struct {
	ID           int64     `json:"id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Author is the public projection of a user attached to posts and messages.
type Author struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

func (u *User) Author() Author {
	if u == nil {
		return Author{}
	}
	return Author{ID: u.ID, DisplayName: u.DisplayName}
}
