// Package serializer converts common.Message values to bytes and back.
//
// Three formats are available, selected with ByName ("binary", "json", "gob"):
//
//   - binary: hand written format. A field bitmask marks the present fields, numbers
//     (ids, profiles, counts, record attributes) are varints and token ids are the 16 raw
//     uuid bytes. It is the smallest and fastest format and the default of the CLI.
//
//   - json: readable on the wire, useful when debugging with the http transport.
//
//   - gob: Go's own encoding, mostly kept for comparison in the benchmarks.
//
// The binary and gob formats decode empty slices and maps as nil.
// Serializers hold no state and may be shared between goroutines.
//
//	s, _ := serializer.ByName("binary")
//	data, err := s.Serialize(msg)
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
