package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
)

func TestParseWorkload(t *testing.T) {
	in := "INSERT xxxxxxxxx0\r\n\nREAD xxxxxxxxx0\nUPDATE  k1 \nDELETE\tk2\n"
	ops, err := parseWorkload(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, ops, 4)
	assert.Equal(t, op{opInsert, []byte("xxxxxxxxx0")}, ops[0])
	assert.Equal(t, op{opRead, []byte("xxxxxxxxx0")}, ops[1])
	assert.Equal(t, op{opUpdate, []byte("k1")}, ops[2])
	assert.Equal(t, op{opDelete, []byte("k2")}, ops[3])
}

func TestParseWorkloadRejects(t *testing.T) {
	for _, in := range []string{
		"SCAN k1",
		"INSERTED k1",
		"INSERT",
		"READ   ",
		"insert k1",
	} {
		_, err := parseWorkload(strings.NewReader("READ ok\n" + in + "\n"))
		require.Error(t, err, in)
		assert.Contains(t, err.Error(), "line 2", in)
	}
}

func TestPartitionRoundRobin(t *testing.T) {
	var ops []op
	for i := range 7 {
		ops = append(ops, op{opInsert, []byte{byte(i)}})
	}
	parts := partition(ops, 3)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 3)
	assert.Len(t, parts[1], 2)
	assert.Len(t, parts[2], 2)
	assert.Equal(t, []byte{4}, parts[1][1].key)
}

func TestSamplerBatches(t *testing.T) {
	s := newSampler(3, 4)
	for i := 1; i <= 10; i++ {
		s.observe(time.Duration(i) * time.Microsecond)
	}
	r := s.report()
	assert.Equal(t, 3, r.Thread)
	assert.Equal(t, 10, r.Ops)
	require.Len(t, r.Batches, 3)

	first := r.Batches[0]
	assert.Equal(t, 4, first.Ops)
	assert.InDelta(t, 2500.0, first.AvgNs, 1e-9)
	assert.Equal(t, int64(3000), first.P90Ns)
	assert.Equal(t, int64(3000), first.P999Ns)
	assert.InDelta(t, 4/(10*time.Microsecond).Seconds(), first.Throughput, 1e-6)
	assert.Equal(t, 2, r.Batches[2].Ops)
}

func TestPercentile(t *testing.T) {
	sorted := make([]int64, 1000)
	for i := range sorted {
		sorted[i] = int64(i)
	}
	assert.Equal(t, int64(899), percentile(sorted, 0.90))
	assert.Equal(t, int64(989), percentile(sorted, 0.99))
	assert.Equal(t, int64(998), percentile(sorted, 0.999))
	assert.Zero(t, percentile(nil, 0.99))
}

func TestFlagErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"-run", "x", "-threads", "0"},
		{"-run", "x", "-batch", "0"},
		{"-run", "x", "-open"},
		{"-run", "x", "extra"},
		{"-bogus"},
	} {
		var stderr bytes.Buffer
		err := run(context.Background(), args, &bytes.Buffer{}, &stderr)
		require.ErrorIs(t, err, errUsage, "%v", args)
	}
}

func writeWorkload(t *testing.T, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestRunReport(t *testing.T) {
	var warm, work []string
	for i := range 2000 {
		warm = append(warm, fmt.Sprintf("INSERT xxxxxxxxx%d", i))
	}
	for i := range 3000 {
		switch i % 3 {
		case 0:
			work = append(work, fmt.Sprintf("INSERT yyyyyyyyy%d", i))
		case 1:
			work = append(work, fmt.Sprintf("READ xxxxxxxxx%d", i%2000))
		default:
			work = append(work, fmt.Sprintf("UPDATE xxxxxxxxx%d", i%2000))
		}
	}
	warmPath := writeWorkload(t, "warm", warm)
	runPath := writeWorkload(t, "run", work)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-warm", warmPath, "-run", runPath,
		"-threads", "4", "-batch", "250", "-bucket-bits", "4",
		"-json", "-verify",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var rep Report
	require.NoError(t, sonnet.Unmarshal(stdout.Bytes(), &rep))
	assert.Equal(t, 2000, rep.WarmOps)
	assert.Equal(t, 3000, rep.RunOps)
	require.Len(t, rep.PerThread, 4)
	for _, th := range rep.PerThread {
		assert.Equal(t, 750, th.Ops)
		assert.Len(t, th.Batches, 3)
	}
	require.NotNil(t, rep.Verify)
	assert.Equal(t, 3000, rep.Verify.Entries)
	assert.Positive(t, rep.Stats.Splits())
	assert.Contains(t, stderr.String(), `"msg":"starts running"`)
}

func TestRunLogsText(t *testing.T) {
	runPath := writeWorkload(t, "run", []string{"INSERT a", "READ a"})
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-run", runPath}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "msg=\"starts running\"")
	assert.Contains(t, stdout.String(), "ops 2 in")
}

func TestRunUnknownOperation(t *testing.T) {
	runPath := writeWorkload(t, "run", []string{"READ a", "SCAN b"})
	err := run(context.Background(), []string{"-run", runPath}, &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "line 2")
}

func TestRunReopensPool(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" {
		t.Skip("file pools need unix")
	}
	pool := filepath.Join(t.TempDir(), "pool")
	var lines []string
	for i := range 500 {
		lines = append(lines, fmt.Sprintf("INSERT k%d", i))
	}
	runPath := writeWorkload(t, "run", lines)

	args := []string{"-pool", pool, "-run", runPath, "-bucket-bits", "2", "-json"}
	require.NoError(t, run(context.Background(), args, &bytes.Buffer{}, &bytes.Buffer{}))

	var stdout bytes.Buffer
	readPath := writeWorkload(t, "read", []string{"READ k1", "READ k499"})
	args = []string{"-pool", pool, "-open", "-run", readPath, "-json", "-verify"}
	require.NoError(t, run(context.Background(), args, &stdout, &bytes.Buffer{}))

	var rep Report
	require.NoError(t, sonnet.Unmarshal(stdout.Bytes(), &rep))
	require.NotNil(t, rep.Recovery)
	assert.Zero(t, rep.Recovery.ResumedSplits)
	assert.Equal(t, 500, rep.Verify.Entries)
}
