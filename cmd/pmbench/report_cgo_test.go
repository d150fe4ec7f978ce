//go:build cgo

package main

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
)

func TestSaveRunAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	rep := &Report{Pool: "heap", Threads: 2, Batch: 10, RunOps: 40, ElapsedNs: 1000, Throughput: 4e7, Depth: 3}
	rep.Stats.ComplexSplits = 2
	started := time.Unix(1700000000, 0)
	require.NoError(t, saveRun(path, started, rep))
	require.NoError(t, saveRun(path, started, rep))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&n))
	assert.Equal(t, 2, n)

	var (
		depth, complexSplits int
		payload              string
	)
	require.NoError(t, db.QueryRow(
		"SELECT depth, complex_splits, report FROM runs ORDER BY id DESC LIMIT 1",
	).Scan(&depth, &complexSplits, &payload))
	assert.Equal(t, 3, depth)
	assert.Equal(t, 2, complexSplits)

	var back Report
	require.NoError(t, sonnet.Unmarshal([]byte(payload), &back))
	assert.Equal(t, rep.RunOps, back.RunOps)
}
