package record

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed keys.
const (
	DomainVoteKey = "tally/vote-key/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DocKey returns the voteRecords document key for the pair.
//
// Joining ids with a separator is ambiguous when ids may contain it, so the
// key is the hash of the canonical {"itemId","voterId"} object instead.
func (k VoteKey) DocKey() string {
	data, err := MarshalCanonical(NewObject(
		F(FieldItemID, String(k.ItemID)),
		F(FieldVoterID, String(k.VoterID)),
	))
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return hashWithDomain(DomainVoteKey, data)
}
