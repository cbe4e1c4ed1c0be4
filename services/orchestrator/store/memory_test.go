// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemoryStore_SaveKnowledge_UpsertsByThread(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(fixedClock(t0))

	id1, err := s.SaveKnowledge(ctx, &datatypes.KnowledgeEntry{
		ChannelID: "C1", ThreadTS: "T1", UserID: "U1",
		Content: "first", Embedding: []float32{1, 0},
	})
	require.NoError(t, err)

	// Same clock value: UpdatedAt must still advance.
	id2, err := s.SaveKnowledge(ctx, &datatypes.KnowledgeEntry{
		ChannelID: "C1", ThreadTS: "T1", UserID: "U2",
		Content: "second", Embedding: []float32{0, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := s.GetEntryByThread(ctx, "C1", "T1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, "U2", got.UserID)
	assert.Equal(t, t0, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	assert.Equal(t, []float32{0, 1}, got.Embedding)
}

func TestMemoryStore_GetEntryByThread_NotFound(t *testing.T) {
	_, err := NewMemoryStore().GetEntryByThread(context.Background(), "C", "T")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveKnowledge_CopiesEmbedding(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	vec := []float32{1, 0}
	_, err := s.SaveKnowledge(ctx, &datatypes.KnowledgeEntry{ChannelID: "C", ThreadTS: "T", Embedding: vec})
	require.NoError(t, err)
	vec[0] = 0

	got, err := s.GetEntryByThread(ctx, "C", "T")
	require.NoError(t, err)
	assert.Equal(t, float32(1), got.Embedding[0])
}

func TestMemoryStore_FindSimilarEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	entries := []struct {
		thread string
		vec    []float32
	}{
		{"exact", []float32{1, 0}},
		{"close", []float32{0.9, 0.1}},
		{"below", []float32{0.5, 0.9}},
		{"far", []float32{0, 1}},
	}
	for _, e := range entries {
		_, err := s.SaveKnowledge(ctx, &datatypes.KnowledgeEntry{
			ChannelID: "C", ThreadTS: e.thread, Content: e.thread, Embedding: e.vec,
		})
		require.NoError(t, err)
	}

	t.Run("ordered and strictly above threshold", func(t *testing.T) {
		got, err := s.FindSimilarEntries(ctx, []float32{1, 0}, 0.5, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "exact", got[0].Entry.Content)
		assert.Equal(t, "close", got[1].Entry.Content)
		assert.Greater(t, got[0].Similarity, got[1].Similarity)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := s.FindSimilarEntries(ctx, []float32{1, 0}, -1, 3)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("zero vector matches nothing", func(t *testing.T) {
		got, err := s.FindSimilarEntries(ctx, []float32{0, 0}, -1, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestMemoryStore_Files(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.SaveFileAttachment(ctx, &datatypes.FileAttachment{
		ChannelID: "C", ThreadTS: "T", FileName: "emqx.log",
		FileType: datatypes.FileTypeLog, Embedding: []float32{1, 0},
	})
	require.NoError(t, err)
	_, err = s.SaveFileAttachment(ctx, &datatypes.FileAttachment{
		ChannelID: "C", ThreadTS: "other", FileName: "diagram.png",
		FileType: datatypes.FileTypeImage, Embedding: []float32{0, 1},
	})
	require.NoError(t, err)

	files, err := s.GetFilesByThread(ctx, "C", "T")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "emqx.log", files[0].FileName)

	similar, err := s.FindSimilarFiles(ctx, []float32{1, 0.1}, 0.5, 5)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, "emqx.log", similar[0].File.FileName)
}

func TestMemoryStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveKnowledge(ctx, &datatypes.KnowledgeEntry{
				ChannelID: "C", ThreadTS: "T", Embedding: []float32{1, 0},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.FindSimilarEntries(ctx, []float32{1, 0}, 0, 100)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
