// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and separator tokens chat APIs
// add around each message.
const perMessageOverhead = 4

// TokenCounter counts tokens in a string.
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter counts with the cl100k_base encoding.
type tiktokenCounter struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

var (
	defaultCounter     *tiktokenCounter
	defaultCounterOnce sync.Once
)

// DefaultCounter returns the process-wide cl100k_base counter.
//
// # Description
//
// The encoder is loaded once. If it cannot be loaded (for example when the
// BPE ranks cannot be fetched) the counter falls back to len(text)/4.
//
// # Thread Safety
//
// Safe for concurrent use.
func DefaultCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoder unavailable, using approximate token counts", "error", err)
			defaultCounter = &tiktokenCounter{}
			return
		}
		defaultCounter = &tiktokenCounter{encoder: enc}
	})
	return defaultCounter
}

func (c *tiktokenCounter) Count(text string) int {
	if c.encoder == nil {
		return ApproxCount(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

// ApproxCount estimates tokens as one per four bytes.
func ApproxCount(text string) int {
	return len(text) / 4
}

// CounterFunc adapts a function to TokenCounter.
type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }
