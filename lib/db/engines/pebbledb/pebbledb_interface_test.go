package pebbledb

import (
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	dbtesting "github.com/ValentinKolb/rKV/lib/db/testing"
)

func newTestDB(tb testing.TB) db.KVDB {
	database, err := NewPebbleDB(nil)
	if err != nil {
		tb.Fatalf("failed to open pebble: %v", err)
	}
	return database
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "Pebble", func() db.KVDB {
		return newTestDB(t)
	})
}

func TestPersistentDir(t *testing.T) {
	dir := t.TempDir()

	database, err := NewPebbleDB(&DBOptions{Dir: dir, Sync: true})
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	if err := database.Put(db.NewKey("1", "1", "0"), []byte("persisted")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewPebbleDB(&DBOptions{Dir: dir})
	if err != nil {
		t.Fatalf("failed to reopen pebble: %v", err)
	}
	defer reopened.Close()

	value, exists, err := reopened.Get(db.NewKey("1", "1", "0"))
	if err != nil || !exists || string(value) != "persisted" {
		t.Errorf("expected persisted value after reopen, got %q (exists=%v err=%v)", value, exists, err)
	}
}

func TestMissingDir(t *testing.T) {
	if _, err := NewPebbleDB(&DBOptions{}); err == nil {
		t.Errorf("expected an error for a persistent store without directory")
	}
}

func TestCloseDuringReads(t *testing.T) {
	database := newTestDB(t)
	key := db.NewKey("1", "1", "0")
	if err := database.Put(key, []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	failures := make(chan error, 64)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				_, _, err := database.Get(key)
				if err == nil {
					_, err = database.MultiGet("1", nil)
				}
				if err == nil {
					_, err = database.Delete(db.NewKey("1", "2", "0"))
				}
				if errors.Is(err, db.ErrClosed) {
					return
				}
				if err != nil {
					failures <- err
					return
				}
			}
		}()
	}

	close(start)
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Errorf("call racing Close failed with %v, expected db.ErrClosed", err)
	}

	if _, _, err := database.Get(key); !errors.Is(err, db.ErrClosed) {
		t.Errorf("expected db.ErrClosed after Close, got %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "Pebble", func() db.KVDB {
		return newTestDB(b)
	})
}
