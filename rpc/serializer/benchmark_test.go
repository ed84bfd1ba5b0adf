package serializer

import (
	"testing"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/common"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]common.Message {
	batch := func(n int) []store.Operation {
		ops := make([]store.Operation, n)
		for i := range ops {
			rec := testRecord(i%10, i)
			ops[i] = store.NewWrite(rec.Profile, rec.ID, rec.Numbers, rec.Strings)
		}
		return ops
	}
	records := func(n int) []store.Record {
		recs := make([]store.Record, n)
		for i := range recs {
			recs[i] = testRecord(1, i)
		}
		return recs
	}
	owners := make(map[int]uint64, 100)
	for i := 0; i < 100; i++ {
		owners[i] = uint64(i%5 + 1)
	}

	return map[string]common.Message{
		"Empty": {
			MsgType: common.MsgTSuccess,
		},
		"SingleRead": {
			MsgType: common.MsgTNodeExecute,
			Ops:     []store.Operation{store.NewRead(4, 42)},
		},
		"SingleWrite": {
			MsgType: common.MsgTNodeExecute,
			Ops:     batch(1),
		},
		"Batch100": {
			MsgType: common.MsgTNodeExecute,
			Ops:     batch(100),
		},
		"Inject1000": {
			MsgType: common.MsgTNodeInject,
			Ops:     batch(1000),
		},
		"Dump100": {
			MsgType: common.MsgTNodeDump,
			Records: records(100),
		},
		"Token": {
			MsgType: common.MsgTNodeToken,
			Token:   testToken(),
		},
		"Owners100": {
			MsgType: common.MsgTMonOwners,
			Owners:  owners,
		},
		"ErrorMessage": {
			MsgType: common.MsgTError,
			Code:    uint64(store.RetCInternalError),
			Err:     "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
		},
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various message types
func BenchmarkSerialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_, err := serializer.Serialize(msg)
					if err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various message types
func BenchmarkDeserialize(b *testing.B) {
	messages := benchmarkMessages()
	serializedData := make(map[string]map[string][]byte)

	// Pre-serialize all messages with all serializers
	for name, factory := range testSerializers {
		serializer := factory()
		serializedData[name] = make(map[string][]byte)

		for msgName, msg := range messages {
			data, err := serializer.Serialize(msg)
			if err != nil {
				b.Fatalf("Failed to serialize %s with %s: %v", msgName, name, err)
			}
			serializedData[name][msgName] = data
		}
	}

	// Benchmark deserialization
	for name, factory := range testSerializers {
		for msgName := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				data := serializedData[name][msgName]
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var msg common.Message
					err := serializer.Deserialize(data, &msg)
					if err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each message type
func BenchmarkSize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		serializer := factory()

		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				// Minimal loop to satisfy benchmark requirements
				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
