// Package pmhash is a crash-consistent concurrent extendible hash table for
// byte-addressable persistent memory.
//
// Entries survive a crash without a write-ahead log: every update is a
// sequence of in-place stores separated by persist barriers, ordered so
// that any prefix of the sequence leaves the table readable.
//
// Layout:
//   - a directory of up to 2^20 selectors, indexed by the low hash bits
//   - segments of 2^bucketBits buckets, indexed by the hash bits just
//     below the top 16
//   - buckets of 10 fingerprint/record slots
//
// Growth:
//   - a full bucket splits into its buddy; the buddy segment is created on
//     demand and selectors that did not have one yet redirect to the
//     owning bucket of an older segment, at most one hop away
//   - when the bucket is already as deep as the directory, the directory
//     doubles while every other writer waits
//
// Usage:
//
//	t, err := pmhash.Create("/mnt/pmem/table")
//	...
//	err = t.Put([]byte("k"), []byte("v"))
//	v, ok := t.Get([]byte("k"))
//
// Open reattaches a table and finishes the splits a crash interrupted.
package pmhash
