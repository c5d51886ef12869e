package common

import "time"

// Returns a channel that is closed once the duration elapses or the
// control is closed, whichever is first.  Suitable as a cancel channel.
func NewTimer(ctrl Control, dur time.Duration) <-chan struct{} {
	sub := ctrl.Sub()

	timer := time.NewTimer(dur)
	go func() {
		defer sub.Close()

		select {
		case <-sub.Closed():
			return
		case <-timer.C:
			return
		}
	}()

	return sub.Closed()
}
