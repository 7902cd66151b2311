package resp

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v *Value) *Value {
	t.Helper()
	encoded := v.Encode()
	got, err := Decode(bufio.NewReader(bytes.NewReader(encoded)))
	require.NoError(t, err)
	return got
}

func TestRoundTripSimpleString(t *testing.T) {
	got := roundTrip(t, NewSimpleString("FULLRESYNC abc123 1000"))
	require.Equal(t, SimpleString, got.Type)
	require.Equal(t, "FULLRESYNC abc123 1000", got.Str)
}

func TestRoundTripError(t *testing.T) {
	got := roundTrip(t, NewError("ERR unknown command"))
	require.Equal(t, Error, got.Type)
	require.Equal(t, "ERR unknown command", got.Str)
}

func TestRoundTripInteger(t *testing.T) {
	got := roundTrip(t, NewInteger(-42))
	require.Equal(t, Integer, got.Type)
	require.Equal(t, int64(-42), got.Int)
}

func TestRoundTripBulkString(t *testing.T) {
	got := roundTrip(t, NewBulkString("hello world"))
	require.Equal(t, "hello world", got.ToString())
}

func TestRoundTripNullBulkString(t *testing.T) {
	got := roundTrip(t, NewNullBulkString())
	require.True(t, got.Null)
}

func TestRoundTripCommandArray(t *testing.T) {
	cmd := NewCommand("REPLCONF", "ACK", "1500")
	got := roundTrip(t, cmd)
	require.Equal(t, []string{"REPLCONF", "ACK", "1500"}, got.Args())
}

func TestDecodeRejectsMissingCRLF(t *testing.T) {
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte("+OK\n"))))
	require.Error(t, err)
}

func TestDecodeNestedArray(t *testing.T) {
	inner := NewCommand("SELECT", "0")
	outer := NewArray([]*Value{inner, NewBulkString("SET")})
	got := roundTrip(t, outer)
	require.Len(t, got.Array, 2)
	require.Equal(t, []string{"SELECT", "0"}, got.Array[0].Args())
}
