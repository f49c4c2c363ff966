package objstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Write(ctx, "lists", "a/1.blk", []byte("one")))
	require.NoError(t, m.Write(ctx, "lists", "a/2.blk", []byte("two")))
	require.NoError(t, m.Write(ctx, "lists", "b/1.blk", []byte("three")))

	t.Run("read", func(t *testing.T) {
		data, err := m.Read(ctx, "lists", "a/1.blk")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), data)
	})

	t.Run("read missing", func(t *testing.T) {
		_, err := m.Read(ctx, "lists", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stream", func(t *testing.T) {
		rc, err := m.ReadStream(ctx, "lists", "a/2.blk")
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), data)
	})

	t.Run("list by prefix", func(t *testing.T) {
		keys, err := m.List(ctx, "lists", "a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/1.blk", "a/2.blk"}, keys)
	})

	t.Run("copy across buckets", func(t *testing.T) {
		require.NoError(t, m.Copy(ctx, "lists", "a/1.blk", "transfer", "x.blk"))
		data, err := m.Read(ctx, "transfer", "x.blk")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), data)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.Delete(ctx, "lists", "a/1.blk"))
		_, err := m.Read(ctx, "lists", "a/1.blk")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, m.Delete(ctx, "lists", "a/1.blk"), "double delete is fine")
	})
}

func TestRecipientRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewRecipientWriter(&buf, []string{"Name", "City"})
	require.NoError(t, err)

	require.NoError(t, w.Write(&model.Recipient{
		Email:  "a@example.com",
		Fields: map[string]string{"Name": "Ann", "City": "Oslo"},
	}))
	require.NoError(t, w.Write(&model.Recipient{Email: "b@example.com"}))
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, w.Count())

	r, err := NewRecipientReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"City", "Name"}, r.Fields())

	first, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", first.Email)
	assert.Equal(t, "Ann", first.Fields["Name"])
	assert.Equal(t, "Oslo", first.Fields["City"])

	second, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", second.Email)

	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
}

func TestRecipientReaderSkip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewRecipientWriter(&buf, nil)
	require.NoError(t, err)
	for _, e := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		require.NoError(t, w.Write(&model.Recipient{Email: e}))
	}
	require.NoError(t, w.Flush())

	r, err := NewRecipientReader(&buf)
	require.NoError(t, err)
	require.NoError(t, r.Skip(2))

	rec, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "c@x.com", rec.Email)

	require.NoError(t, r.Skip(10), "skipping past the end is not an error")
}

func TestRecipientReaderRejectsBadHeader(t *testing.T) {
	_, err := NewRecipientReader(bytes.NewReader([]byte("Name,City\n")))
	assert.Error(t, err)
}
