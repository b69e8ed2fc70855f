package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

func newLocalStore(t *testing.T) *LocalBlobStore {
	t.Helper()
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "t1", "d1", strings.NewReader("original bytes"), "text/plain"))

	rc, err := store.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "original bytes", string(data))
}

func TestLocalGetMissing(t *testing.T) {
	store := newLocalStore(t)
	_, err := store.Get(context.Background(), "t1", "absent")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestLocalTextCache(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutText(ctx, "t1", "d1", "extracted text"))

	text, err := store.GetText(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "extracted text", text)
}

func TestLocalDeleteRemovesBlobAndText(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "t1", "d1", strings.NewReader("bytes"), "text/plain"))
	require.NoError(t, store.PutText(ctx, "t1", "d1", "text"))

	require.NoError(t, store.Delete(ctx, "t1", "d1"))

	_, err := store.Get(ctx, "t1", "d1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	_, err = store.GetText(ctx, "t1", "d1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	// Deleting again is a no-op, not an error
	assert.NoError(t, store.Delete(ctx, "t1", "d1"))
}

func TestObjectKeyRejectsTraversal(t *testing.T) {
	tests := []struct {
		name     string
		tenant   string
		document string
	}{
		{name: "empty tenant", tenant: "", document: "d1"},
		{name: "empty document", tenant: "t1", document: ""},
		{name: "slash in tenant", tenant: "t1/evil", document: "d1"},
		{name: "backslash in document", tenant: "t1", document: `d1\evil`},
		{name: "dotdot in document", tenant: "t1", document: "../secrets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := objectKey(tt.tenant, tt.document)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
		})
	}
}

func TestLocalTenantScoping(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "t1", "d1", strings.NewReader("tenant one"), "text/plain"))

	_, err := store.Get(ctx, "t2", "d1")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}
