package search

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/storage"
)

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) EmbedOne(context.Context, string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding provider down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	healthy  error
	results  []Result
	queryErr error
	queried  int
}

func (f *fakeIndex) Search(_ context.Context, _ *uuid.UUID, _ []float32, _ int) ([]Result, error) {
	f.queried++
	return f.results, f.queryErr
}

func (f *fakeIndex) Healthy(context.Context) error { return f.healthy }

type fakeHydrateStore struct {
	messages     map[uuid.UUID]model.Message
	fallbackHits []model.SearchHit
	fallbacks    int
}

func (f *fakeHydrateStore) GetMessage(_ context.Context, id uuid.UUID) (model.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return model.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

func (f *fakeHydrateStore) SearchMessagesByEmbedding(context.Context, *uuid.UUID, []float32, int) ([]model.SearchHit, error) {
	f.fallbacks++
	return f.fallbackHits, nil
}

func TestSearchHydratesIndexResults(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	index := &fakeIndex{results: []Result{
		{MessageID: id1, Score: 0.95},
		{MessageID: id2, Score: 0.82},
	}}
	db := &fakeHydrateStore{messages: map[uuid.UUID]model.Message{
		id1: {ID: id1, Content: "first"},
		id2: {ID: id2, Content: "second"},
	}}
	svc := NewService(&fakeEmbedder{}, index, db, slog.New(slog.DiscardHandler))

	hits, err := svc.Search(context.Background(), model.SearchConversationsRequest{Query: "anything"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "first", hits[0].Message.Content)
	assert.InDelta(t, 0.95, hits[0].Score, 1e-6)
	assert.Zero(t, db.fallbacks)
}

func TestSearchSkipsDeletedMessages(t *testing.T) {
	kept, gone := uuid.New(), uuid.New()
	index := &fakeIndex{results: []Result{
		{MessageID: gone, Score: 0.9},
		{MessageID: kept, Score: 0.8},
	}}
	db := &fakeHydrateStore{messages: map[uuid.UUID]model.Message{
		kept: {ID: kept, Content: "still here"},
	}}
	svc := NewService(&fakeEmbedder{}, index, db, slog.New(slog.DiscardHandler))

	hits, err := svc.Search(context.Background(), model.SearchConversationsRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, kept, hits[0].Message.ID)
}

func TestSearchFallsBackWhenIndexUnhealthy(t *testing.T) {
	index := &fakeIndex{healthy: fmt.Errorf("unreachable")}
	db := &fakeHydrateStore{fallbackHits: []model.SearchHit{
		{Message: model.Message{Content: "from postgres"}, Score: 0.7},
	}}
	svc := NewService(&fakeEmbedder{}, index, db, slog.New(slog.DiscardHandler))

	hits, err := svc.Search(context.Background(), model.SearchConversationsRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "from postgres", hits[0].Message.Content)
	assert.Zero(t, index.queried)
	assert.Equal(t, 1, db.fallbacks)
}

func TestSearchFallsBackWhenQueryFails(t *testing.T) {
	index := &fakeIndex{queryErr: fmt.Errorf("grpc timeout")}
	db := &fakeHydrateStore{fallbackHits: []model.SearchHit{
		{Message: model.Message{Content: "fallback"}, Score: 0.5},
	}}
	svc := NewService(&fakeEmbedder{}, index, db, slog.New(slog.DiscardHandler))

	hits, err := svc.Search(context.Background(), model.SearchConversationsRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, index.queried)
	assert.Equal(t, 1, db.fallbacks)
}

func TestSearchWithoutIndexUsesPostgres(t *testing.T) {
	db := &fakeHydrateStore{fallbackHits: []model.SearchHit{
		{Message: model.Message{Content: "pg only"}, Score: 0.6},
	}}
	svc := NewService(&fakeEmbedder{}, nil, db, slog.New(slog.DiscardHandler))

	hits, err := svc.Search(context.Background(), model.SearchConversationsRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, db.fallbacks)
}

func TestSearchEmbeddingFailure(t *testing.T) {
	svc := NewService(&fakeEmbedder{fail: true}, nil, &fakeHydrateStore{}, slog.New(slog.DiscardHandler))

	_, err := svc.Search(context.Background(), model.SearchConversationsRequest{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{name: "https with REST port maps to gRPC", url: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, useTLS: true},
		{name: "http local", url: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "explicit gRPC port", url: "http://localhost:6334", host: "localhost", port: 6334},
		{name: "no port defaults to gRPC", url: "https://qdrant.internal", host: "qdrant.internal", port: 6334, useTLS: true},
		{name: "custom port preserved", url: "http://qdrant:7000", host: "qdrant", port: 7000},
		{name: "garbage", url: "://nope", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.useTLS, useTLS)
		})
	}
}
