package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStampedText(t *testing.T) {
	at := time.Unix(1_760_000_000, 123456789)

	text := stampedText(at, 64)
	require.Len(t, text, 64)

	got, ok := parseStamp(text)
	require.True(t, ok)
	require.True(t, at.Equal(got))

	// A size smaller than the stamp still carries the stamp.
	short := stampedText(at, 4)
	got, ok = parseStamp(short)
	require.True(t, ok)
	require.True(t, at.Equal(got))
}

func TestParseStamp_Foreign(t *testing.T) {
	for _, text := range []string{"", "hello", "abc|def"} {
		_, ok := parseStamp(text)
		require.False(t, ok, text)
	}
}
