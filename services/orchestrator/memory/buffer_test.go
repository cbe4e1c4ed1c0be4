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
	"testing"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteCounter counts one token per byte so tests control the budget exactly.
var byteCounter = CounterFunc(func(s string) int { return len(s) })

func user(s string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleUser, Content: s}
}

func TestBuffer_PreservesInsertionOrder(t *testing.T) {
	b := NewBuffer(1000, WithCounter(byteCounter))
	b.Put(user("one"))
	b.Put(datatypes.Message{Role: datatypes.RoleAssistant, Content: "two"})
	b.Put(user("three"))

	msgs := b.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "three", msgs[2].Content)
}

func TestBuffer_SetSystemReplaces(t *testing.T) {
	b := NewBuffer(1000, WithCounter(byteCounter))
	b.SetSystem("first prompt")
	b.Put(user("q1"))
	b.Put(datatypes.Message{Role: datatypes.RoleSystem, Content: "second prompt"})

	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
	assert.Equal(t, "second prompt", msgs[0].Content)

	systems := 0
	for _, m := range msgs {
		if m.Role == datatypes.RoleSystem {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
}

func TestBuffer_EvictsOldestFirst(t *testing.T) {
	// Each turn is 10 bytes + 4 overhead = 14 tokens.
	b := NewBuffer(30, WithCounter(byteCounter))
	b.Put(user("aaaaaaaaaa"))
	b.Put(user("bbbbbbbbbb"))
	b.Put(user("cccccccccc"))

	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "bbbbbbbbbb", msgs[0].Content)
	assert.Equal(t, "cccccccccc", msgs[1].Content)
	assert.LessOrEqual(t, b.Tokens(), 30)
}

func TestBuffer_KeepsNewestTurnOverBudget(t *testing.T) {
	b := NewBuffer(5, WithCounter(byteCounter))
	b.Put(user("this single turn is larger than the budget"))

	assert.Equal(t, 1, b.Len())
}

func TestBuffer_CheckpointRollback(t *testing.T) {
	b := NewBuffer(1000, WithCounter(byteCounter))
	b.SetSystem("sys")
	b.Put(user("kept"))

	cp := b.Checkpoint()
	b.SetSystem("other sys")
	b.Put(user("discarded"))
	require.Equal(t, 3, b.Len())

	b.Rollback(cp)
	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "kept", msgs[1].Content)
}

func TestBuffer_MessagesReturnsCopy(t *testing.T) {
	b := NewBuffer(1000, WithCounter(byteCounter))
	b.Put(user("original"))

	msgs := b.Messages()
	msgs[0].Content = "mutated"

	assert.Equal(t, "original", b.Messages()[0].Content)
}

func TestBuffer_Reset(t *testing.T) {
	b := NewBuffer(0, WithCounter(byteCounter))
	b.SetSystem("sys")
	b.Put(user("x"))
	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestApproxCount(t *testing.T) {
	assert.Equal(t, 2, ApproxCount("12345678"))
	assert.Equal(t, 0, ApproxCount(""))
}
