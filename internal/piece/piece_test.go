package piece

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleClientInsert(t *testing.T) {
	tbl := New(0, nil)
	tbl.EnsureClient(1)

	require.NoError(t, tbl.Insert(1, 0, []byte("hello")))
	require.NoError(t, tbl.Insert(1, 5, []byte(" world")))

	require.Equal(t, "hello world", string(tbl.Bytes()))
	require.LessOrEqual(t, tbl.PieceCount(), 2)
}

func TestInsertAtHead(t *testing.T) {
	tbl := New(0, nil)
	tbl.EnsureClient(1)
	require.NoError(t, tbl.Insert(1, 0, []byte("BCD")))
	require.NoError(t, tbl.Insert(1, 0, []byte("A")))
	require.Equal(t, "ABCD", string(tbl.Bytes()))
}

func TestInsertSplitsPiece(t *testing.T) {
	tbl := New(0, nil)
	tbl.EnsureClient(1)
	require.NoError(t, tbl.Insert(1, 0, []byte("ABCD")))
	require.NoError(t, tbl.Insert(1, 2, []byte("XY")))
	require.Equal(t, "ABXYCD", string(tbl.Bytes()))
}

func TestTwoClientInterleave(t *testing.T) {
	tbl := New(0, []byte("ABCD"))
	tbl.EnsureClient(1)
	tbl.EnsureClient(2)

	// Server receives A's op first, then B's.
	require.NoError(t, tbl.Insert(1, 1, []byte("X")))
	require.Equal(t, "AXBCD", string(tbl.Bytes()))

	require.NoError(t, tbl.Insert(2, 3, []byte("Y")))
	require.Equal(t, "AXBYCD", string(tbl.Bytes()))
}

func TestDeleteSpansPieces(t *testing.T) {
	tbl := New(0, nil)
	tbl.EnsureClient(1)
	require.NoError(t, tbl.Insert(1, 0, []byte("Hello, ")))
	require.NoError(t, tbl.Insert(1, 7, []byte("world")))

	require.NoError(t, tbl.Delete(5, 2))
	require.Equal(t, "Helloworld", string(tbl.Bytes()))
}

func TestInsertThenDeleteSameLengthRestoresBytes(t *testing.T) {
	tbl := New(0, []byte("original"))
	tbl.EnsureClient(1)

	before := string(tbl.Bytes())
	require.NoError(t, tbl.Insert(1, tbl.Len(), []byte("-appended")))
	require.NoError(t, tbl.Delete(len(before), len("-appended")))
	require.Equal(t, before, string(tbl.Bytes()))
}

func TestPieceLengthsSumToLen(t *testing.T) {
	tbl := New(0, []byte("seed"))
	tbl.EnsureClient(1)
	require.NoError(t, tbl.Insert(1, 2, []byte("XYZ")))
	require.NoError(t, tbl.Delete(0, 1))

	sum := 0
	for _, pv := range tbl.IterPieces() {
		sum += len(pv.Bytes)
	}
	require.Equal(t, tbl.Len(), sum)
}

func TestZeroLengthInsertIsNoop(t *testing.T) {
	tbl := New(0, []byte("abc"))
	tbl.EnsureClient(1)
	require.NoError(t, tbl.Insert(1, 1, nil))
	require.Equal(t, "abc", string(tbl.Bytes()))
}

func TestDeleteBeyondLengthIsError(t *testing.T) {
	tbl := New(0, []byte("01234567890123456789")) // 20 bytes
	err := tbl.Delete(100, 10)
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, 20, tbl.Len())
}

func TestInsertUnknownClientIsError(t *testing.T) {
	tbl := New(0, nil)
	err := tbl.Insert(99, 0, []byte("x"))
	require.ErrorIs(t, err, ErrUnknownClient)
}

func TestReadRange(t *testing.T) {
	tbl := New(0, []byte("Hello, world"))
	got, err := tbl.Read(7, 5)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestFullSyncSeedContent(t *testing.T) {
	tbl := New(0, []byte("seed"))
	require.Equal(t, "seed", string(tbl.Bytes()))
}
