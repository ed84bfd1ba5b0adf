// Package keyspace maps records onto the two-level primitive keys of db.KVDB.
//
// A record (profile, id) with Numbers numeric and Strings string attributes occupies
// Numbers+Strings primitive keys:
//
//	major = "<profile>", minor = ["<id>", "<attribute index>"]
//
// Numeric attributes are stored as decimal text, string attributes verbatim. Decoding is
// strict: a value that does not parse, a missing or duplicated attribute or an index out of
// range yields ErrCorrupt. The codec is pure and safe for concurrent use.
package keyspace
