// SPDX-License-Identifier: GPL-3.0-or-later
package mailwatch

import (
	"fmt"
	"time"
)

const (
	DefaultDebounceMinDelay = 5 * time.Second
	DefaultDebounceMaxDelay = 30 * time.Second
)

type ConfigFunc func(c *configuration) error

// Debounce sets how long the engine waits for a burst of notifications to
// quiet down and the worst-case latency before a pass runs anyway.
func Debounce(minDelay, maxDelay time.Duration) ConfigFunc {
	return func(c *configuration) error {
		if minDelay < 0 {
			return fmt.Errorf("debounce min delay cannot be negative")
		}
		if maxDelay < minDelay {
			return fmt.Errorf("debounce max delay cannot be below min delay")
		}

		c.DebounceMinDelay = minDelay
		c.DebounceMaxDelay = maxDelay
		return nil
	}
}

// SeedLastHandled sets the watermark to resume from when no state was
// persisted for the folder. 0 means everything currently in the folder is
// dispatched.
func SeedLastHandled(uid uint32) ConfigFunc {
	return func(c *configuration) error {
		c.SeedLastHandled = uid
		return nil
	}
}

// KeepForwardCopies appends every forwarded message to the given folder
// after submission.
func KeepForwardCopies(folder string) ConfigFunc {
	return func(c *configuration) error {
		if folder == "" {
			return fmt.Errorf("forward copy folder cannot be empty")
		}

		c.ForwardCopyFolder = folder
		return nil
	}
}

type configuration struct {
	DebounceMinDelay time.Duration
	DebounceMaxDelay time.Duration

	SeedLastHandled   uint32
	ForwardCopyFolder string
}

func defaultConfiguration() *configuration {
	return &configuration{
		DebounceMinDelay: DefaultDebounceMinDelay,
		DebounceMaxDelay: DefaultDebounceMaxDelay,
	}
}
