package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	require.Equal(t, "", redact(""))
	require.Equal(t, "postgres://lobby:xxxxx@db:5432/lobby", redact("postgres://lobby:secret@db:5432/lobby"))
	require.Equal(t, "postgres://db/lobby", redact("postgres://db/lobby"))
	require.Equal(t, "(disabled)", orOff(""))
}
