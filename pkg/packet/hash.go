package packet

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// NodeHash folds a 128-bit node identifier into the 32-bit form carried in
// packet headers. Each 64-bit half is folded with itself shifted right 32,
// and the two folds are XORed. Sender, receiver and hash registry must all
// use this exact function; it is part of the wire contract.
func NodeHash(id uuid.UUID) uint32 {
	hi := binary.BigEndian.Uint64(id[0:8])
	lo := binary.BigEndian.Uint64(id[8:16])
	return fold64(hi) ^ fold64(lo)
}

func fold64(x uint64) uint32 {
	return uint32(x ^ x>>32)
}
