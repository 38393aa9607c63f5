package meshnet

import "time"

// nowMillis is the monotonic millisecond clock the registry's LastSeen
// and Sweep timeout comparisons are expressed in.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
