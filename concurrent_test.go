package pmhash

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/pmhash/internal/opt"
)

func TestConcurrentInsert(t *testing.T) {
	const writers, readers = 8, 4
	perWriter := 100000
	opts := []func(*Config){WithSegmentPool(16, 2)}
	if testing.Short() || opt.Race_ {
		// small segments split often even with few keys
		perWriter = 1000
		opts = append(opts, WithBucketBits(4))
	}
	tbl := newTestTable(t, opts...)
	key := func(w, i int) []byte { return []byte(fmt.Sprintf("w%d-k%d", w, i)) }

	g, ctx := errgroup.WithContext(context.Background())
	for w := range writers {
		g.Go(func() error {
			for i := range perWriter {
				if err := tbl.Put(key(w, i), key(w, i)); err != nil {
					return err
				}
				// read back an earlier key of this writer while others split
				j := i / 2
				v, ok := tbl.Get(key(w, j))
				if !ok || !bytes.Equal(v, key(w, j)) {
					return fmt.Errorf("writer %d lost key %d after inserting %d", w, j, i)
				}
				if ctx.Err() != nil {
					return nil
				}
			}
			return nil
		})
	}
	// pure readers never take the coordinator
	for r := range readers {
		g.Go(func() error {
			for i := range perWriter {
				tbl.Get(key((i+r)%writers, i))
				if ctx.Err() != nil {
					return nil
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for w := range writers {
		for i := range perWriter {
			mustGet(t, tbl, key(w, i), key(w, i))
		}
	}
	r := mustVerify(t, tbl)
	if r.Entries != writers*perWriter {
		t.Fatalf("Entries = %d, want %d", r.Entries, writers*perWriter)
	}
	s := tbl.Stats()
	if s.ComplexSplits == 0 || s.Splits() == s.ComplexSplits {
		t.Fatalf("stress run did not exercise every split kind: %+v", s)
	}
}

func TestConcurrentUpdateSameKeys(t *testing.T) {
	const writers, keys = 8, 64
	rounds := 200
	if testing.Short() {
		rounds = 20
	}
	tbl := newTestTable(t, WithBucketBits(1), WithSegmentPool(0, 0))

	var g errgroup.Group
	for w := range writers {
		g.Go(func() error {
			for r := range rounds {
				for k := range keys {
					v := []byte(fmt.Sprintf("w%d-r%d", w, r))
					if err := tbl.Put([]byte(fmt.Sprint(k)), v); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for k := range keys {
		v, ok := tbl.Get([]byte(fmt.Sprint(k)))
		if !ok || !bytes.HasSuffix(v, []byte(fmt.Sprintf("-r%d", rounds-1))) {
			t.Fatalf("key %d = %q, %v", k, v, ok)
		}
	}
	if r := mustVerify(t, tbl); r.Entries != keys {
		t.Fatalf("Entries = %d, want %d", r.Entries, keys)
	}
}
