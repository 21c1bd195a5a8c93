package notify

import "errors"

var (
	// ErrNotificationNotFound is returned when no notification matches the
	// requested id, or when it belongs to a different user.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrUnknownChannel is returned when a notification names a channel no
	// sender is registered for.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNoTarget is returned when a channel needs a delivery address and
	// neither the notification data nor the directory provides one.
	ErrNoTarget = errors.New("no delivery target")
)
