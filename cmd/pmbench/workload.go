package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

type opKind uint8

const (
	opInsert opKind = iota
	opRead
	opUpdate
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "INSERT"
	case opRead:
		return "READ"
	case opUpdate:
		return "UPDATE"
	case opDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

var opPrefixes = [...]struct {
	prefix []byte
	kind   opKind
}{
	{[]byte("INSERT"), opInsert},
	{[]byte("READ"), opRead},
	{[]byte("UPDATE"), opUpdate},
	{[]byte("DELETE"), opDelete},
}

type op struct {
	kind opKind
	key  []byte
}

// maxLine bounds a single workload line.
const maxLine = 1 << 20

// parseWorkload reads one "<OP> <key>" per line. Blank lines are skipped;
// anything else that does not start with a known operation is an error.
func parseWorkload(r io.Reader) ([]op, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	var ops []op
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimRight(sc.Bytes(), "\r")
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		o, ok := parseOp(text)
		if !ok {
			return nil, fmt.Errorf("line %d: unknown operation %q", line, text)
		}
		ops = append(ops, o)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	return ops, nil
}

func parseOp(text []byte) (op, bool) {
	for _, p := range opPrefixes {
		rest, ok := bytes.CutPrefix(text, p.prefix)
		if !ok {
			continue
		}
		// "INSERTED foo" is not an insert
		if len(rest) > 0 && rest[0] != ' ' && rest[0] != '\t' {
			return op{}, false
		}
		key := bytes.TrimSpace(rest)
		if len(key) == 0 {
			return op{}, false
		}
		return op{kind: p.kind, key: bytes.Clone(key)}, true
	}
	return op{}, false
}

func loadWorkload(path string) ([]op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ops, err := parseWorkload(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ops, nil
}

// partition deals ops to threads round-robin.
func partition(ops []op, threads int) [][]op {
	out := make([][]op, threads)
	per := (len(ops) + threads - 1) / threads
	for i := range out {
		out[i] = make([]op, 0, per)
	}
	for i, o := range ops {
		out[i%threads] = append(out[i%threads], o)
	}
	return out
}
