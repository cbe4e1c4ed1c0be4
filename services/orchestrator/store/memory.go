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
	"sort"
	"sync"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
)

type threadKey struct {
	channelID string
	threadTS  string
}

// MemoryStore is an in-process KnowledgeStore.
//
// # Description
//
// Holds all records in maps guarded by a RWMutex and scores them with
// CosineSimilarity. Used by tests and when no external vector store is
// configured. Contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[threadKey]*datatypes.KnowledgeEntry
	files   []*datatypes.FileAttachment
	nextID  int64
	now     func() time.Time
}

var _ KnowledgeStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[threadKey]*datatypes.KnowledgeEntry),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) SaveKnowledge(ctx context.Context, entry *datatypes.KnowledgeEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := threadKey{entry.ChannelID, entry.ThreadTS}
	if existing, ok := s.entries[key]; ok {
		updated := now
		if !updated.After(existing.UpdatedAt) {
			updated = existing.UpdatedAt.Add(time.Microsecond)
		}
		existing.UserID = entry.UserID
		existing.Content = entry.Content
		existing.Embedding = append([]float32(nil), entry.Embedding...)
		existing.UpdatedAt = updated
		return *existing.ID, nil
	}

	s.nextID++
	stored := *entry
	stored.ID = datatypes.Int64(s.nextID)
	stored.Embedding = append([]float32(nil), entry.Embedding...)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.entries[key] = &stored
	return s.nextID, nil
}

func (s *MemoryStore) GetEntryByThread(ctx context.Context, channelID, threadTS string) (*datatypes.KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[threadKey{channelID, threadTS}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *MemoryStore) FindSimilarEntries(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoredEntry
	for _, e := range s.entries {
		sim := CosineSimilarity(e.Embedding, embedding)
		if aboveThreshold(sim, threshold) {
			out = append(out, ScoredEntry{Entry: *e, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return *out[i].Entry.ID < *out[j].Entry.ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveFileAttachment(ctx context.Context, file *datatypes.FileAttachment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := *file
	stored.ID = datatypes.Int64(s.nextID)
	stored.Embedding = append([]float32(nil), file.Embedding...)
	stored.CreatedAt = s.now()
	s.files = append(s.files, &stored)
	return s.nextID, nil
}

func (s *MemoryStore) GetFilesByThread(ctx context.Context, channelID, threadTS string) ([]datatypes.FileAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.FileAttachment
	for _, f := range s.files {
		if f.ChannelID == channelID && f.ThreadTS == threadTS {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindSimilarFiles(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScoredFile
	for _, f := range s.files {
		sim := CosineSimilarity(f.Embedding, embedding)
		if aboveThreshold(sim, threshold) {
			out = append(out, ScoredFile{File: *f, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
