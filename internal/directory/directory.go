// Package directory resolves subject ids to user records. The record of
// truth is the collaboration backend's user collection; the socket core only
// reads it and pushes last-seen timestamps back.
package directory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID          string    `bson:"_id" json:"id"`
	Email       string    `bson:"email" json:"email"`
	IsActive    bool      `bson:"is_active" json:"isActive"`
	IsConfirmed bool      `bson:"is_confirmed" json:"isConfirmed"`
	IsAdmin     bool      `bson:"is_admin" json:"isAdmin"`
	LastSeen    time.Time `bson:"last_seen" json:"lastSeen"`
}

type Store interface {
	FindByID(ctx context.Context, id string) (*User, error)
	UpdateLastSeen(ctx context.Context, id string, ts time.Time) error
}
