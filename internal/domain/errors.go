// Package domain contains the entities shared by the post-scheduler components.
package domain

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when an optimistic update lost a race.
	ErrConflict = errors.New("concurrent modification")
	// ErrInvalidItem is returned for scheduled items that cannot be published as stored.
	ErrInvalidItem = errors.New("invalid scheduled item")
	// ErrInvalidMessage is returned when creating a tracked message with missing fields.
	ErrInvalidMessage = errors.New("invalid tracked message")
	// ErrEmptyDestination is returned when a consent or rate operation has no destination.
	ErrEmptyDestination = errors.New("destination is required")
	// ErrEmptyActor is returned when a rate operation has no actor.
	ErrEmptyActor = errors.New("actor is required")
	// ErrUnknownKeyword is returned for unsubscribe keywords outside the recognized set.
	ErrUnknownKeyword = errors.New("unrecognized unsubscribe keyword")
	// ErrInvalidStatus is returned for unknown status values.
	ErrInvalidStatus = errors.New("invalid status")
)

// ErrorKind classifies what went wrong with a scheduled item during a cycle.
type ErrorKind string

const (
	// ErrorKindConfiguration means the item can never publish as stored.
	ErrorKindConfiguration ErrorKind = "configuration"
	// ErrorKindDelivery means one or more platforms rejected the post.
	ErrorKindDelivery ErrorKind = "delivery"
	// ErrorKindDenied means a consent or rate pre-check refused the send.
	ErrorKindDenied ErrorKind = "denied"
	// ErrorKindInfrastructure means the publish call or persistence itself failed.
	ErrorKindInfrastructure ErrorKind = "infrastructure"
)
