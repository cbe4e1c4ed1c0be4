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
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/emqx/emqx-knowledge-base/services/orchestrator/datatypes"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/codes"
)

const (
	knowledgeClassName = "KnowledgeEntry"
	fileClassName      = "FileAttachment"
)

// recordNamespace seeds deterministic object ids for knowledge threads.
var recordNamespace = uuid.MustParse("6f1c3a52-7e0b-4b8e-9a43-2d5c1e0f7b19")

// WeaviateStore implements KnowledgeStore on Weaviate.
//
// # Description
//
// Classes use Vectorizer "none"; vectors are supplied by the caller.
// Knowledge entries get a deterministic UUID derived from
// (channel_id, thread_ts) so re-saving a thread updates the same object.
// Numeric record ids are the top 53 bits of the object UUID, which keeps
// them exact in JSON clients.
//
// Similarity is 1 - distance with the class configured for cosine distance.
//
// # Limitations
//
//   - A Weaviate nearVector distance bound is inclusive, so results are
//     re-filtered client-side to keep the threshold strict.
type WeaviateStore struct {
	client *weaviate.Client
	now    func() time.Time
}

var _ KnowledgeStore = (*WeaviateStore)(nil)

// NewWeaviateStore wraps an existing client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	if client == nil {
		panic("NewWeaviateStore: client must not be nil")
	}
	return &WeaviateStore{client: client, now: time.Now}
}

// =============================================================================
// Schema
// =============================================================================

func knowledgeClass() *models.Class {
	filterable := true
	return &models.Class{
		Class:       knowledgeClassName,
		Description: "A saved conversation thread used as retrieval context.",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "recordId", DataType: []string{"int"}, IndexFilterable: &filterable},
			{Name: "channelId", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "threadTs", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "userId", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "content", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "createdAt", DataType: []string{"date"}},
			{Name: "updatedAt", DataType: []string{"date"}},
		},
	}
}

func fileClass() *models.Class {
	filterable := true
	return &models.Class{
		Class:       fileClassName,
		Description: "A file attached to a saved thread.",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "recordId", DataType: []string{"int"}, IndexFilterable: &filterable},
			{Name: "channelId", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "threadTs", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "userId", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "fileName", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "fileType", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "fileUrl", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "contentSummary", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "contentText", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "createdAt", DataType: []string{"date"}},
		},
	}
}

// EnsureSchema creates the classes if they do not exist.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	for _, class := range []*models.Class{knowledgeClass(), fileClass()} {
		if _, err := s.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Info("Schema already exists", "class", class.Class)
			continue
		}
		slog.Info("Schema not found, creating it...", "class", class.Class)
		if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
		}
	}
	return nil
}

// =============================================================================
// Knowledge Entries
// =============================================================================

func (s *WeaviateStore) SaveKnowledge(ctx context.Context, entry *datatypes.KnowledgeEntry) (int64, error) {
	ctx, span := tracer.Start(ctx, "weaviate_store.save_knowledge")
	defer span.End()

	id := threadObjectID(entry.ChannelID, entry.ThreadTS)
	recordID := recordIDFromUUID(id)
	now := s.now().UTC()

	existing, err := s.GetEntryByThread(ctx, entry.ChannelID, entry.ThreadTS)
	if err != nil && err != ErrNotFound {
		span.RecordError(err)
		return 0, err
	}

	props := map[string]interface{}{
		"recordId":  recordID,
		"channelId": entry.ChannelID,
		"threadTs":  entry.ThreadTS,
		"userId":    entry.UserID,
		"content":   entry.Content,
	}

	if existing == nil {
		props["createdAt"] = now.Format(time.RFC3339Nano)
		props["updatedAt"] = now.Format(time.RFC3339Nano)
		_, err = s.client.Data().Creator().
			WithClassName(knowledgeClassName).
			WithID(id.String()).
			WithProperties(props).
			WithVector(entry.Embedding).
			Do(ctx)
	} else {
		updated := now
		if !updated.After(existing.UpdatedAt) {
			updated = existing.UpdatedAt.Add(time.Microsecond)
		}
		props["updatedAt"] = updated.Format(time.RFC3339Nano)
		err = s.client.Data().Updater().
			WithMerge().
			WithClassName(knowledgeClassName).
			WithID(id.String()).
			WithProperties(props).
			WithVector(entry.Embedding).
			Do(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save knowledge failed")
		return 0, fmt.Errorf("failed to save knowledge entry: %w", err)
	}
	return recordID, nil
}

func (s *WeaviateStore) GetEntryByThread(ctx context.Context, channelID, threadTS string) (*datatypes.KnowledgeEntry, error) {
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(knowledgeClassName).
		WithID(threadObjectID(channelID, threadTS).String()).
		Do(ctx)
	if err != nil || len(objs) == 0 {
		// The getter reports a missing object as an error.
		return nil, ErrNotFound
	}
	props, ok := objs[0].Properties.(map[string]interface{})
	if !ok {
		return nil, ErrNotFound
	}
	e := knowledgeFromProps(props)
	return &e, nil
}

func (s *WeaviateStore) FindSimilarEntries(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredEntry, error) {
	ctx, span := tracer.Start(ctx, "weaviate_store.find_similar_entries")
	defer span.End()

	if isZeroVector(embedding) {
		return nil, nil
	}

	objects, err := s.nearVector(ctx, knowledgeClassName, embedding, threshold, limit,
		"recordId", "channelId", "threadTs", "userId", "content", "createdAt", "updatedAt")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []ScoredEntry
	for _, obj := range objects {
		sim := similarityFromAdditional(obj)
		if !aboveThreshold(sim, threshold) {
			continue
		}
		out = append(out, ScoredEntry{Entry: knowledgeFromProps(obj), Similarity: sim})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// File Attachments
// =============================================================================

func (s *WeaviateStore) SaveFileAttachment(ctx context.Context, file *datatypes.FileAttachment) (int64, error) {
	ctx, span := tracer.Start(ctx, "weaviate_store.save_file_attachment")
	defer span.End()

	id := uuid.New()
	recordID := recordIDFromUUID(id)
	props := map[string]interface{}{
		"recordId":       recordID,
		"channelId":      file.ChannelID,
		"threadTs":       file.ThreadTS,
		"userId":         file.UserID,
		"fileName":       file.FileName,
		"fileType":       string(file.FileType),
		"fileUrl":        file.FileURL,
		"contentSummary": file.ContentSummary,
		"contentText":    file.ContentText,
		"createdAt":      s.now().UTC().Format(time.RFC3339Nano),
	}

	_, err := s.client.Data().Creator().
		WithClassName(fileClassName).
		WithID(id.String()).
		WithProperties(props).
		WithVector(file.Embedding).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to save file attachment: %w", err)
	}
	return recordID, nil
}

func (s *WeaviateStore) GetFilesByThread(ctx context.Context, channelID, threadTS string) ([]datatypes.FileAttachment, error) {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().WithPath([]string{"channelId"}).WithOperator(filters.Equal).WithValueText(channelID),
			filters.Where().WithPath([]string{"threadTs"}).WithOperator(filters.Equal).WithValueText(threadTS),
		})

	result, err := s.client.GraphQL().Get().
		WithClassName(fileClassName).
		WithFields(fileFields()...).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query file attachments: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query error: %s", result.Errors[0].Message)
	}

	var out []datatypes.FileAttachment
	for _, obj := range extractObjects(result, fileClassName) {
		out = append(out, fileFromProps(obj))
	}
	return out, nil
}

func (s *WeaviateStore) FindSimilarFiles(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredFile, error) {
	ctx, span := tracer.Start(ctx, "weaviate_store.find_similar_files")
	defer span.End()

	if isZeroVector(embedding) {
		return nil, nil
	}

	names := make([]string, 0, len(fileFields()))
	for _, f := range fileFields() {
		names = append(names, f.Name)
	}
	objects, err := s.nearVector(ctx, fileClassName, embedding, threshold, limit, names...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []ScoredFile
	for _, obj := range objects {
		sim := similarityFromAdditional(obj)
		if !aboveThreshold(sim, threshold) {
			continue
		}
		out = append(out, ScoredFile{File: fileFromProps(obj), Similarity: sim})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *WeaviateStore) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("weaviate not ready")
	}
	return nil
}

func (s *WeaviateStore) Close() error { return nil }

// =============================================================================
// Helpers
// =============================================================================

func (s *WeaviateStore) nearVector(ctx context.Context, class string, vec []float32, threshold float64, limit int, props ...string) ([]map[string]interface{}, error) {
	fields := make([]graphql.Field, 0, len(props)+1)
	for _, p := range props {
		fields = append(fields, graphql.Field{Name: p})
	}
	fields = append(fields, graphql.Field{Name: "_additional { distance }"})

	near := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vec).
		WithDistance(float32(1 - threshold))

	// Rows exactly at the bound come back and are dropped client-side.
	result, err := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(near).
		WithLimit(limit * 2).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("similarity query error: %s", result.Errors[0].Message)
	}
	return extractObjects(result, class), nil
}

func fileFields() []graphql.Field {
	return []graphql.Field{
		{Name: "recordId"}, {Name: "channelId"}, {Name: "threadTs"}, {Name: "userId"},
		{Name: "fileName"}, {Name: "fileType"}, {Name: "fileUrl"},
		{Name: "contentSummary"}, {Name: "contentText"}, {Name: "createdAt"},
	}
}

func extractObjects(result *models.GraphQLResponse, class string) []map[string]interface{} {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data[class].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func similarityFromAdditional(obj map[string]interface{}) float64 {
	additional, ok := obj["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}
	distance, ok := additional["distance"].(float64)
	if !ok {
		return 0
	}
	return 1 - distance
}

func knowledgeFromProps(m map[string]interface{}) datatypes.KnowledgeEntry {
	return datatypes.KnowledgeEntry{
		ID:        datatypes.Int64(getInt64(m, "recordId")),
		ChannelID: getString(m, "channelId"),
		ThreadTS:  getString(m, "threadTs"),
		UserID:    getString(m, "userId"),
		Content:   getString(m, "content"),
		CreatedAt: getTime(m, "createdAt"),
		UpdatedAt: getTime(m, "updatedAt"),
	}
}

func fileFromProps(m map[string]interface{}) datatypes.FileAttachment {
	return datatypes.FileAttachment{
		ID:             datatypes.Int64(getInt64(m, "recordId")),
		ChannelID:      getString(m, "channelId"),
		ThreadTS:       getString(m, "threadTs"),
		UserID:         getString(m, "userId"),
		FileName:       getString(m, "fileName"),
		FileType:       datatypes.FileType(getString(m, "fileType")),
		FileURL:        getString(m, "fileUrl"),
		ContentSummary: getString(m, "contentSummary"),
		ContentText:    getString(m, "contentText"),
		CreatedAt:      getTime(m, "createdAt"),
	}
}

func threadObjectID(channelID, threadTS string) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(channelID+"\x00"+threadTS))
}

func recordIDFromUUID(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]) >> 11)
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func getTime(m map[string]interface{}, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, getString(m, key))
	if err != nil {
		return time.Time{}
	}
	return t
}
