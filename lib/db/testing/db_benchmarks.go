package testing

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Put", func(b *testing.B) {
		benchmarkPut(b, factory())
	})

	b.Run("PutExisting", func(b *testing.B) {
		benchmarkPutExisting(b, factory())
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, factory())
	})

	b.Run("RecordBatch", func(b *testing.B) {
		benchmarkRecordBatch(b, factory())
	})

	b.Run("ProfileScan", func(b *testing.B) {
		benchmarkProfileScan(b, factory())
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkPut(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut)

	var counter int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := atomic.AddInt64(&counter, 1)
			database.Put(db.NewKey("1", fmt.Sprint(i), "0"), []byte(fmt.Sprintf("value-%d", i)))
		}
	})
}

func benchmarkPutExisting(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut)

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		database.Put(db.NewKey("1", fmt.Sprint(i), "0"), []byte("value"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Put(db.NewKey("1", fmt.Sprint(counter%numKeys), "0"), []byte(fmt.Sprintf("value-%d", counter)))
			counter++
		}
	})
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureGet)

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		database.Put(db.NewKey("1", fmt.Sprint(i), "0"), []byte(fmt.Sprintf("value-%d", i)))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(db.NewKey("1", fmt.Sprint(counter%numKeys), "0"))
			counter++
		}
	})
}

func benchmarkDelete(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureDelete)

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}

	keys := make([]db.Key, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = db.NewKey("1", fmt.Sprint(i), "0")
		database.Put(keys[i], []byte("value"))
	}

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			database.Delete(keys[idx])
		}
	})
}

// benchmarkRecordBatch writes whole records (3 numbers + 2 strings) as one batch
func benchmarkRecordBatch(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureBatch)

	var counter int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := fmt.Sprint(atomic.AddInt64(&counter, 1) % 1000)
			ops := make([]db.Op, 5)
			for attr := range ops {
				ops[attr] = db.Op{Type: db.OpPut, Key: db.NewKey("2", id, fmt.Sprint(attr)), Value: []byte("42")}
			}
			database.Execute(ops)
		}
	})
}

func benchmarkProfileScan(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureRangeScan)

	for i := 0; i < 1000; i++ {
		database.Put(db.NewKey("3", fmt.Sprint(i), "0"), []byte("value"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			database.MultiGet("3", nil)
		}
	})
}

// Benchmark for Save and Load operations
// For these operations, parallelization is not meaningful as they typically
// lock the entire database
func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()

	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureSave|db.FeatureLoad)

	for i := 0; i < 10000; i++ {
		database.Put(db.NewKey(fmt.Sprint(i%10), fmt.Sprint(i), "0"), []byte(fmt.Sprintf("value-%d", i)))
	}

	b.Run("Save", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			var buf bytes.Buffer
			database.Save(&buf)
		}
	})

	var loadBuf bytes.Buffer
	database.Save(&loadBuf)
	data := loadBuf.Bytes()

	b.Run("Load", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			loadDB := factory()
			loadDB.Load(bytes.NewReader(data))
			loadDB.Close()
		}
	})
}
