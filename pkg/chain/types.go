package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

type Height uint64

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// Block is a committed batch of settlement calls.
type Block struct {
	Height   Height
	Parent   Hash
	AppHash  Hash // application state after executing Payload
	Payload  []byte
	Proposer string
	Time     time.Time

	// Attestation is the proposer's BLS signature over AttestationMessage.
	Attestation []byte
}

// HashOfBlock commits to the block's content. AppHash and Attestation are
// produced after execution and are excluded.
func HashOfBlock(b Block) Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(b.Height))
	h.Write(buf[:])
	h.Write(b.Parent[:])
	h.Write(b.Payload)
	h.Write([]byte(b.Proposer))
	binary.BigEndian.PutUint64(buf[:], uint64(b.Time.UnixNano()))
	h.Write(buf[:])

	return sha256.Sum256(h.Sum(nil))
}

// AttestationMessage binds a block hash to the state it produced.
func AttestationMessage(b Block) []byte {
	h := HashOfBlock(b)
	msg := make([]byte, 0, 64)
	msg = append(msg, h[:]...)
	return append(msg, b.AppHash[:]...)
}

func GenesisBlock() Block {
	return Block{Height: 0, Proposer: "genesis", Time: time.Unix(0, 0)}
}

type BlockStore interface {
	SaveBlock(b Block) error
	GetBlock(h Hash) (Block, bool, error)
	BlockAt(height Height) (Block, bool, error)
	SetCommitted(h Hash) error
	GetCommitted() (Hash, bool, error)
}

type WAL interface {
	Append(line string)
}

// App executes blocks. OnCommit returns the resulting state hash.
type App interface {
	PreparePayload(parent Block, next Height) []byte
	OnCommit(committed Block) Hash
}
