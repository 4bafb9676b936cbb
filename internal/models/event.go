package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventKind names what happened to a resource.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventConsumed EventKind = "consumed"
	EventRevoked  EventKind = "revoked"
	EventExpired  EventKind = "expired"
	EventInvalid  EventKind = "path-invalid"
	EventRejected EventKind = "rejected"
)

// Event is one audit journal record.
type Event struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Instance   string             `bson:"instance" json:"instance"`
	Kind       EventKind          `bson:"kind" json:"kind"`
	ResourceID int64              `bson:"resource_id,omitempty" json:"resource_id,omitempty"`
	Location   string             `bson:"location,omitempty" json:"location,omitempty"`
	Remote     string             `bson:"remote" json:"remote"`
	Status     int                `bson:"status" json:"status"`
	Remaining  int                `bson:"remaining,omitempty" json:"remaining,omitempty"`
	At         time.Time          `bson:"at" json:"at"`
}
