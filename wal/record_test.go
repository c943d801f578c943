package wal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/wal"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	rec := wal.Record{GroupID: "group-a", Index: 42, Term: 7, Kind: wal.KindCommand, Payload: []byte("hello world")}
	buf := wal.Encode(nil, rec)

	decoded, n, err := wal.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, rec.Index, decoded.Index)
	require.Equal(t, rec.Term, decoded.Term)
	require.Equal(t, wal.KindCommand, decoded.Kind)
	require.Equal(t, rec.Payload, decoded.Payload)
}

func TestEncodeDecode_SameGroupSameHash(t *testing.T) {
	a := wal.Encode(nil, wal.Record{GroupID: "g1", Index: 1, Term: 1, Kind: wal.KindCommand})
	b := wal.Encode(nil, wal.Record{GroupID: "g1", Index: 2, Term: 1, Kind: wal.KindCommand})

	da, _, err := wal.Decode(a)
	require.NoError(t, err)
	db, _, err := wal.Decode(b)
	require.NoError(t, err)

	require.Equal(t, da.GroupHash, db.GroupHash)
}

func TestDecode_DetectsChecksumMismatch(t *testing.T) {
	buf := wal.Encode(nil, wal.Record{GroupID: "g1", Index: 1, Term: 1, Kind: wal.KindCommand, Payload: []byte("x")})
	buf[len(buf)-1] ^= 0xFF // corrupt the trailing crc byte

	_, _, err := wal.Decode(buf)
	require.Error(t, err)
}

func TestDecode_ShortBufferIsAnError(t *testing.T) {
	buf := wal.Encode(nil, wal.Record{GroupID: "g1", Index: 1, Term: 1, Kind: wal.KindCommand, Payload: []byte("hello")})

	_, _, err := wal.Decode(buf[:len(buf)-1])
	require.Error(t, err) // short reads are still errors, just distinguishable from checksum failures by the caller's own bookkeeping of available bytes
}

func TestEncode_AppendsToExistingBuffer(t *testing.T) {
	var buf []byte
	buf = wal.Encode(buf, wal.Record{GroupID: "g1", Index: 1, Term: 1, Kind: wal.KindCommand, Payload: []byte("a")})
	firstLen := len(buf)
	buf = wal.Encode(buf, wal.Record{GroupID: "g1", Index: 2, Term: 1, Kind: wal.KindCommand, Payload: []byte("bb")})
	require.Greater(t, len(buf), firstLen)

	_, n1, err := wal.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, firstLen, n1)

	second, n2, err := wal.Decode(buf[n1:])
	require.NoError(t, err)
	require.Equal(t, len(buf)-n1, n2)
	require.Equal(t, uint64(2), second.Index)
}
