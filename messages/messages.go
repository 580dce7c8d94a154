// Package messages defines the events the social services exchange. Every
// event is correlated with the user it is about.
package messages

import (
	"github.com/google/uuid"

	"github.com/drblury/socialbus/internal/runtime/events"
)

// Type tags. They are part of the wire format and must not change.
const (
	TagUserCreated       = "UserCreated"
	TagUserUpdated       = "UserUpdated"
	TagUserFollowCreated = "UserFollowCreated"
	TagUserFollowDeleted = "UserFollowDeleted"
)

// UserCreated is published after a user registered.
type UserCreated struct {
	events.Header
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

func NewUserCreated(userID uuid.UUID, email string) UserCreated {
	return UserCreated{
		Header: events.NewHeader(userID.String()),
		UserID: userID,
		Email:  email,
	}
}

func (UserCreated) TypeTag() string { return TagUserCreated }

// UserUpdated carries the profile fields that changed. Nil fields were not
// part of the update.
type UserUpdated struct {
	events.Header
	UserID    uuid.UUID `json:"user_id"`
	UserName  *string   `json:"user_name,omitempty"`
	FirstName *string   `json:"first_name,omitempty"`
	LastName  *string   `json:"last_name,omitempty"`
}

func NewUserUpdated(userID uuid.UUID, userName, firstName, lastName *string) UserUpdated {
	return UserUpdated{
		Header:    events.NewHeader(userID.String()),
		UserID:    userID,
		UserName:  userName,
		FirstName: firstName,
		LastName:  lastName,
	}
}

func (UserUpdated) TypeTag() string { return TagUserUpdated }

// UserFollowCreated is published when UserID starts following
// FollowsToUserID.
type UserFollowCreated struct {
	events.Header
	UserID          uuid.UUID `json:"user_id"`
	FollowsToUserID uuid.UUID `json:"follows_to_user_id"`
}

func NewUserFollowCreated(userID, followsToUserID uuid.UUID) UserFollowCreated {
	return UserFollowCreated{
		Header:          events.NewHeader(userID.String()),
		UserID:          userID,
		FollowsToUserID: followsToUserID,
	}
}

func (UserFollowCreated) TypeTag() string { return TagUserFollowCreated }

// UserFollowDeleted is published when UserID stops following
// FollowsToUserID.
type UserFollowDeleted struct {
	events.Header
	UserID          uuid.UUID `json:"user_id"`
	FollowsToUserID uuid.UUID `json:"follows_to_user_id"`
}

func NewUserFollowDeleted(userID, followsToUserID uuid.UUID) UserFollowDeleted {
	return UserFollowDeleted{
		Header:          events.NewHeader(userID.String()),
		UserID:          userID,
		FollowsToUserID: followsToUserID,
	}
}

func (UserFollowDeleted) TypeTag() string { return TagUserFollowDeleted }
