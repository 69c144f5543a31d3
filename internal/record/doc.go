// Package record defines the document model shared by the tally engine and
// its stores.
//
// Documents are schemaless objects built from a closed set of value types
// (String, Int, Bool, List, Object). Floats and nulls are not representable:
// vote values and counters are integers, and a missing field means "absent".
//
// The package also defines the domain records (Item, VoteRecord) and the
// change-feed types (Change, Batch) that a live query delivers.
//
// record imports nothing internal; every other internal package may import it.
//
// Serialization for storage and hashing uses RFC 8785 canonical JSON
// (MarshalCanonical), so the same document always produces the same bytes.
package record
