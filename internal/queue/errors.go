package queue

import "errors"

// Repository errors.
var (
	ErrItemNotFound     = errors.New("queue item not found")
	ErrRecordNotFound   = errors.New("delivery record not found")
	ErrActiveItemExists = errors.New("record already has an active queue item")
)

// State transition errors.
var (
	ErrNotPending       = errors.New("queue item is not pending")
	ErrNotProcessing    = errors.New("queue item is not processing")
	ErrNotFailed        = errors.New("queue item is not failed")
	ErrItemProcessing   = errors.New("queue item is currently processing")
	ErrItemTerminal     = errors.New("queue item is terminal")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)
