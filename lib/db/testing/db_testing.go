package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Execute", func(t *testing.T) {
			testExecute(t, factory())
		})

		t.Run("RejectedBatch", func(t *testing.T) {
			testRejectedBatch(t, factory())
		})

		t.Run("MultiGet", func(t *testing.T) {
			testMultiGet(t, factory())
		})

		t.Run("MultiGetRange", func(t *testing.T) {
			testMultiGetRange(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory())
		})

		t.Run("ConcurrentBatches", func(t *testing.T) {
			testConcurrentBatches(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustPut(t testing.TB, database db.KVDB, key db.Key, value []byte) {
	if err := database.Put(key, value); err != nil {
		t.Fatalf("Put(%s) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureGet)

	testKey := db.NewKey("1", "7", "0")
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustPut(t, database, testKey, testValue1)

	result, exists, err := database.Get(testKey)
	if err != nil || !exists {
		t.Errorf("Expected key %s to exist after Put (err=%v)", testKey, err)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	mustPut(t, database, testKey, testValue2)

	result, _, _ = database.Get(testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	_, exists, err = database.Get(db.NewKey("1", "8", "0"))
	if err != nil || exists {
		t.Errorf("Expected nonexistent key to return exists=false (err=%v)", err)
	}

	retrievedValue, _, _ := database.Get(testKey)
	retrievedValue[0] = 'X'

	originalValue, _, _ := database.Get(testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// empty values are legal
	emptyKey := db.NewKey("1", "9", "0")
	mustPut(t, database, emptyKey, []byte{})
	result, exists, _ = database.Get(emptyKey)
	if !exists || len(result) != 0 {
		t.Errorf("Expected empty value to be stored, got exists=%v value=%q", exists, result)
	}

	// invalid keys are rejected
	if err := database.Put(db.NewKey("1", "a\x00b"), []byte("x")); !errors.Is(err, db.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for key with separator byte, got %v", err)
	}
	if err := database.Put(db.NewKey(""), []byte("x")); !errors.Is(err, db.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for empty major, got %v", err)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureGet|db.FeatureDelete)

	testKey := db.NewKey("2", "1", "0")
	mustPut(t, database, testKey, []byte("value"))

	existed, err := database.Delete(testKey)
	if err != nil || !existed {
		t.Errorf("Expected Delete to report an existing key (existed=%v err=%v)", existed, err)
	}

	if _, exists, _ := database.Get(testKey); exists {
		t.Errorf("Expected key %s to be gone after Delete", testKey)
	}

	existed, err = database.Delete(testKey)
	if err != nil || existed {
		t.Errorf("Expected second Delete to report a missing key (existed=%v err=%v)", existed, err)
	}
}

func testExecute(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet)

	a := db.NewKey("3", "1", "0")
	b := db.NewKey("3", "1", "1")
	c := db.NewKey("3", "2", "0")
	mustPut(t, database, c, []byte("c"))

	results, err := database.Execute([]db.Op{
		{Type: db.OpPut, Key: a, Value: []byte("a")},
		{Type: db.OpPut, Key: b, Value: []byte("b")},
		{Type: db.OpDelete, Key: c},
		{Type: db.OpDelete, Key: db.NewKey("3", "99", "0")},
		{Type: db.OpDelete, Key: a}, // sees the put above
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	expected := []bool{true, true, true, false, true}
	if len(results) != len(expected) {
		t.Fatalf("Expected %d results, got %d", len(expected), len(results))
	}
	for i := range expected {
		if results[i] != expected[i] {
			t.Errorf("Result %d: expected %v, got %v", i, expected[i], results[i])
		}
	}

	if _, exists, _ := database.Get(a); exists {
		t.Errorf("Key %s was deleted later in the batch and should not exist", a)
	}
	if v, exists, _ := database.Get(b); !exists || string(v) != "b" {
		t.Errorf("Key %s should hold 'b', got %q", b, v)
	}
	if _, exists, _ := database.Get(c); exists {
		t.Errorf("Key %s should have been deleted", c)
	}

	if _, err := database.Execute(nil); !errors.Is(err, db.ErrMalformedBatch) {
		t.Errorf("Expected ErrMalformedBatch for empty batch, got %v", err)
	}
}

func testRejectedBatch(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet)

	good := db.NewKey("4", "1", "0")
	_, err := database.Execute([]db.Op{
		{Type: db.OpPut, Key: good, Value: []byte("v")},
		{Type: db.OpPut, Key: db.NewKey("4", "bad\x00"), Value: []byte("v")},
	})
	if !errors.Is(err, db.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}

	_, err = database.Execute([]db.Op{
		{Type: db.OpPut, Key: good, Value: []byte("v")},
		{Type: db.OpType(200), Key: good},
	})
	if !errors.Is(err, db.ErrMalformedBatch) {
		t.Errorf("Expected ErrMalformedBatch, got %v", err)
	}

	if _, exists, _ := database.Get(good); exists {
		t.Errorf("A rejected batch must not leave any trace")
	}
}

func testMultiGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureRangeScan)

	// profile 4 must not see profile 42 (and vice versa)
	mustPut(t, database, db.NewKey("42", "1", "0"), []byte("other"))
	mustPut(t, database, db.NewKey("4", "2", "1"), []byte("2.1"))
	mustPut(t, database, db.NewKey("4", "1", "0"), []byte("1.0"))
	mustPut(t, database, db.NewKey("4", "2", "0"), []byte("2.0"))
	mustPut(t, database, db.NewKey("4", "10", "0"), []byte("10.0"))

	entries, err := database.MultiGet("4", nil)
	if err != nil {
		t.Fatalf("MultiGet failed: %v", err)
	}

	// lexicographic order of the minor components
	expected := []string{"1.0", "10.0", "2.0", "2.1"}
	if len(entries) != len(expected) {
		t.Fatalf("Expected %d entries, got %d", len(expected), len(entries))
	}
	for i, e := range entries {
		if string(e.Value) != expected[i] {
			t.Errorf("Entry %d: expected %s, got %s (key %s)", i, expected[i], e.Value, e.Key)
		}
		if e.Key.Major != "4" {
			t.Errorf("Entry %d has wrong major %s", i, e.Key.Major)
		}
	}

	entries, err = database.MultiGet("5", nil)
	if err != nil || len(entries) != 0 {
		t.Errorf("Expected empty scan for unknown major, got %d entries (err=%v)", len(entries), err)
	}
}

func testMultiGetRange(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureRangeScan)

	for _, id := range []string{"1", "2", "20", "3", "4"} {
		for _, attr := range []string{"0", "1"} {
			mustPut(t, database, db.NewKey("7", id, attr), []byte(id+"."+attr))
		}
	}

	tests := []struct {
		name     string
		r        *db.KeyRange
		expected []string
	}{
		{"Exact", db.Exact("2"), []string{"2.0", "2.1"}},
		{"Inclusive", &db.KeyRange{Start: "2", End: "3"}, []string{"2.0", "2.1", "20.0", "20.1", "3.0", "3.1"}},
		{"OpenStart", &db.KeyRange{End: "1"}, []string{"1.0", "1.1"}},
		{"OpenEnd", &db.KeyRange{Start: "4"}, []string{"4.0", "4.1"}},
		{"Missing", db.Exact("9"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := database.MultiGet("7", tt.r)
			if err != nil {
				t.Fatalf("MultiGet failed: %v", err)
			}
			if len(entries) != len(tt.expected) {
				t.Fatalf("Expected %d entries, got %d", len(tt.expected), len(entries))
			}
			for i, e := range entries {
				if string(e.Value) != tt.expected[i] {
					t.Errorf("Entry %d: expected %s, got %s", i, tt.expected[i], e.Value)
				}
			}
		})
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureGet|db.FeatureSave|db.FeatureLoad)

	numEntries := 500
	for i := 0; i < numEntries; i++ {
		mustPut(t, database, db.NewKey(fmt.Sprint(i%5), fmt.Sprint(i), "0"), []byte(fmt.Sprintf("value-%d", i)))
	}

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := factory()
	defer restored.Close()

	// stale content must be replaced
	mustPut(t, restored, db.NewKey("stale", "1", "0"), []byte("stale"))

	if err := restored.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for i := 0; i < numEntries; i++ {
		key := db.NewKey(fmt.Sprint(i%5), fmt.Sprint(i), "0")
		value, exists, err := restored.Get(key)
		if err != nil || !exists {
			t.Fatalf("Key %s missing after Load (err=%v)", key, err)
		}
		if string(value) != fmt.Sprintf("value-%d", i) {
			t.Errorf("Key %s: expected value-%d, got %s", key, i, value)
		}
	}

	if _, exists, _ := restored.Get(db.NewKey("stale", "1", "0")); exists {
		t.Errorf("Load should replace the previous content")
	}

	if info := restored.GetInfo(); info.Entries != numEntries {
		t.Errorf("Expected %d entries after Load, got %d", numEntries, info.Entries)
	}

	if err := restored.Load(bytes.NewReader([]byte("garbage-input"))); err == nil {
		t.Errorf("Expected Load to fail on invalid input")
	}
}

func testClosed(t *testing.T, database db.KVDB) {
	requireFeature(t, database, db.FeaturePut|db.FeatureGet)

	mustPut(t, database, db.NewKey("1", "1", "0"), []byte("v"))
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := database.Put(db.NewKey("1", "1", "0"), []byte("v")); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if _, _, err := database.Get(db.NewKey("1", "1", "0")); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed on Get after Close, got %v", err)
	}
	if db.IsTransient(db.ErrClosed) {
		t.Errorf("ErrClosed must not be transient")
	}
}

// testConcurrentBatches checks that batches are applied atomically under contention:
// every batch writes the same counter value to both attributes of a record.
func testConcurrentBatches(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureRangeScan)

	const workers = 8
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				v := []byte(fmt.Sprintf("%d-%d", w, i))
				_, err := database.Execute([]db.Op{
					{Type: db.OpPut, Key: db.NewKey("9", "1", "0"), Value: v},
					{Type: db.OpPut, Key: db.NewKey("9", "1", "1"), Value: v},
				})
				if err != nil {
					t.Errorf("Execute failed: %v", err)
					return
				}

				entries, err := database.MultiGet("9", db.Exact("1"))
				if err != nil {
					t.Errorf("MultiGet failed: %v", err)
					return
				}
				if len(entries) != 2 || !bytes.Equal(entries[0].Value, entries[1].Value) {
					t.Errorf("Observed a partially applied batch: %v", entries)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}
