package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocSetGetDelete(t *testing.T) {
	t.Parallel()

	doc := NewDocWithClient(1)
	doc.Set("title", []byte("draft"))
	doc.Set("body", []byte("hello"))
	doc.Delete("body")

	v, ok := doc.Get("title")
	require.True(t, ok)
	assert.Equal(t, []byte("draft"), v)
	_, ok = doc.Get("body")
	assert.False(t, ok)
	assert.Equal(t, []string{"title"}, doc.Keys())
}

func TestDocConvergesInAnyOrder(t *testing.T) {
	t.Parallel()

	a := NewDocWithClient(1)
	b := NewDocWithClient(2)
	u1 := a.Set("k", []byte("from-a"))
	u2 := b.Set("k", []byte("from-b"))
	u3 := b.Set("other", []byte("x"))
	u4 := a.Delete("other")

	forward := NewDocWithClient(9)
	backward := NewDocWithClient(9)
	for _, u := range [][]byte{u1, u2, u3, u4} {
		_, err := forward.ApplyUpdate(u)
		require.NoError(t, err)
	}
	for _, u := range [][]byte{u4, u3, u2, u1} {
		_, err := backward.ApplyUpdate(u)
		require.NoError(t, err)
	}

	assert.Equal(t, forward.Snapshot(), backward.Snapshot())
	assert.Equal(t, forward.EncodeStateAsUpdate(), backward.EncodeStateAsUpdate())

	v, ok := forward.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("from-b"), v, "equal clocks resolve to the higher client")
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	t.Parallel()

	src := NewDocWithClient(1)
	update := src.Set("k", []byte("v"))

	dst := NewDocWithClient(2)
	diff, err := dst.ApplyUpdate(update)
	require.NoError(t, err)
	assert.NotEmpty(t, diff)

	diff, err = dst.ApplyUpdate(update)
	require.NoError(t, err)
	assert.Nil(t, diff, "re-applying a known update changes nothing")
}

func TestLaterLocalWriteWinsAfterSync(t *testing.T) {
	t.Parallel()

	a := NewDocWithClient(5)
	b := NewDocWithClient(1)
	_, err := b.ApplyUpdate(a.Set("k", []byte("old")))
	require.NoError(t, err)

	_, err = a.ApplyUpdate(b.Set("k", []byte("new")))
	require.NoError(t, err)

	v, _ := a.Get("k")
	assert.Equal(t, []byte("new"), v)
}

func TestEncodeDiffAgainstStateVector(t *testing.T) {
	t.Parallel()

	server := NewDocWithClient(1)
	server.Set("a", []byte("1"))
	server.Set("b", []byte("2"))

	peer := NewDocWithClient(2)
	_, err := peer.ApplyUpdate(server.EncodeStateAsUpdate())
	require.NoError(t, err)

	server.Set("c", []byte("3"))
	diff, err := server.EncodeDiff(peer.StateVector())
	require.NoError(t, err)

	_, entries, err := decodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Key)

	_, err = peer.ApplyUpdate(diff)
	require.NoError(t, err)
	assert.Equal(t, server.Snapshot(), peer.Snapshot())

	empty, err := server.EncodeDiff(peer.StateVector())
	require.NoError(t, err)
	_, entries, err = decodeUpdate(empty)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	t.Parallel()

	doc := NewDoc()
	_, err := doc.ApplyUpdate([]byte{0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	valid := NewDocWithClient(1).Set("k", []byte("v"))
	_, err = doc.ApplyUpdate(append(valid, 0x00))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMergeUpdates(t *testing.T) {
	t.Parallel()

	a := NewDocWithClient(1)
	merged, err := MergeUpdates(a.Set("x", []byte("1")), a.Set("y", []byte("2")), a.Delete("x"))
	require.NoError(t, err)

	doc := NewDoc()
	_, err = doc.ApplyUpdate(merged)
	require.NoError(t, err)
	assert.Equal(t, a.Snapshot(), doc.Snapshot())
}

func TestProtocolFrames(t *testing.T) {
	t.Parallel()

	sv := NewDocWithClient(1).StateVector()
	tests := []struct {
		name  string
		frame []byte
		want  Message
	}{
		{"step1", EncodeSyncStep1(sv), Message{Type: MessageSync, Sync: SyncStep1, Payload: sv}},
		{"step2", EncodeSyncStep2([]byte{0, 0}), Message{Type: MessageSync, Sync: SyncStep2, Payload: []byte{0, 0}}},
		{"update", EncodeUpdate([]byte{1}), Message{Type: MessageSync, Sync: SyncUpdate, Payload: []byte{1}}},
		{"awareness", EncodeAwarenessMessage([]byte{0}), Message{Type: MessageAwareness, Payload: []byte{0}}},
		{"query", EncodeQueryAwareness(), Message{Type: MessageQueryAwareness}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, byte(0), EncodeSyncStep1(sv)[0])
	assert.Equal(t, byte(3), EncodeQueryAwareness()[0])

	_, err := DecodeMessage([]byte{2})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeMessage([]byte{0, 7, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAwareness(t *testing.T) {
	t.Parallel()

	local := NewAwareness()
	remote := NewAwareness()

	changes, err := remote.Apply(local.Set(7, []byte(`{"cursor":1}`)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, changes.Added)

	changes, err = remote.Apply(local.Set(7, []byte(`{"cursor":2}`)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, changes.Updated)
	assert.Equal(t, []byte(`{"cursor":2}`), remote.States()[7])

	stale := local.Encode(7)
	changes, err = remote.Apply(stale)
	require.NoError(t, err)
	assert.True(t, changes.Empty(), "same clock is ignored")

	removal := remote.Remove(7)
	require.NotNil(t, removal)
	assert.Empty(t, remote.Clients())
	assert.Nil(t, remote.Remove(7))

	changes, err = local.Apply(removal)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, changes.Removed)
	assert.Empty(t, local.States())
}
