package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalcrane/portalcrane/pkg/model"
)

func Test_Sink_EmitAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewSink(path, 10)
	require.NoError(t, err)

	s.Emit(context.Background(), model.AuditEvent{Event: "registry_pull", HTTPStatus: 200})
	s.Emit(context.Background(), model.AuditEvent{Event: "registry_push", HTTPStatus: 201})

	recent, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "registry_push", recent[0].Event, "Recent must return newest first")
	assert.Equal(t, "registry_pull", recent[1].Event)
}

func Test_Sink_RingCapacityBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewSink(path, 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Emit(context.Background(), model.AuditEvent{Event: "registry_authorize", HTTPStatus: 200})
	}

	assert.Len(t, s.ring, 2)

	recent, err := s.Recent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 5, "Recent backfills from disk when the ring holds fewer than limit events")
	assert.Len(t, s.ring, 2, "backfilling must not grow the ring past its capacity")
}

func Test_Sink_LoadsExistingLogOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s1, err := NewSink(path, 10)
	require.NoError(t, err)
	s1.Emit(context.Background(), model.AuditEvent{Event: "registry_pull", HTTPStatus: 200})

	s2, err := NewSink(path, 10)
	require.NoError(t, err)
	recent, err := s2.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "registry_pull", recent[0].Event)
}

func Test_Sink_Trim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewSink(path, 10)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s.Emit(context.Background(), model.AuditEvent{Event: "registry_pull", HTTPStatus: 200})
	}

	require.NoError(t, s.Trim(2))
	recent, err := s.Recent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	s2, err := NewSink(path, 10)
	require.NoError(t, err)
	recentAfterReload, err := s2.Recent(10)
	require.NoError(t, err)
	assert.Len(t, recentAfterReload, 2)
}
