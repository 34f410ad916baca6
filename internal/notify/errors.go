package notify

import "errors"

// ErrTokenInvalid marks a push failure as permanent: the provider reported
// the device token as unregistered or malformed. The dispatcher reacts by
// invoking the device cleanup hook; transient failures are plain errors.
var ErrTokenInvalid = errors.New("device token invalid")

func IsTokenInvalid(err error) bool {
	return errors.Is(err, ErrTokenInvalid)
}
