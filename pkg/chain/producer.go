package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/util"
)

// Producer is a single-proposer block loop. Each round it asks the app for a
// payload, executes it, attests the result and commits it to the store.
type Producer struct {
	ID           string
	App          App
	Store        BlockStore
	Signer       *crypto.BLSSigner
	Clock        util.Clock
	MinBlockTime time.Duration

	Logger         *zap.SugaredLogger
	VerboseLogging bool
	WAL            WAL

	// OnBlockCommit runs after a block is stored.
	OnBlockCommit func(b Block)

	mu  sync.Mutex
	tip Block
}

// NewProducer starts at genesis; call Recover to resume from the store.
// signer may be nil, leaving blocks unattested.
func NewProducer(id string, app App, store BlockStore, signer *crypto.BLSSigner) *Producer {
	return &Producer{
		ID:     id,
		App:    app,
		Store:  store,
		Signer: signer,
		Clock:  util.RealClock{},
		Logger: util.NopSugar(),
		tip:    GenesisBlock(),
	}
}

// Recover resumes from the committed tip in the store.
func (p *Producer) Recover() error {
	h, ok, err := p.Store.GetCommitted()
	if err != nil {
		return fmt.Errorf("load committed hash: %w", err)
	}
	if !ok {
		return nil
	}
	b, ok, err := p.Store.GetBlock(h)
	if err != nil {
		return fmt.Errorf("load committed block: %w", err)
	}
	if !ok {
		return fmt.Errorf("committed block %s missing from store", h)
	}
	p.mu.Lock()
	p.tip = b
	p.mu.Unlock()
	p.Logger.Infow("chain_recovered", "height", b.Height, "hash", h.String())
	return nil
}

// Tip returns the last committed block.
func (p *Producer) Tip() Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tip
}

// Run produces blocks until ctx is cancelled, at most one per MinBlockTime.
func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		started := p.Clock.Now()
		if _, err := p.ProduceBlock(ctx); err != nil {
			return err
		}
		if wait := p.MinBlockTime - p.Clock.Now().Sub(started); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.Clock.After(wait):
			}
		}
	}
}

// ProduceBlock builds, executes, attests and commits the next block.
func (p *Producer) ProduceBlock(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	parent := p.tip
	next := parent.Height + 1
	b := Block{
		Height:   next,
		Parent:   HashOfBlock(parent),
		Payload:  p.App.PreparePayload(parent, next),
		Proposer: p.ID,
		Time:     p.Clock.Now(),
	}

	b.AppHash = p.App.OnCommit(b)
	if p.Signer != nil {
		b.Attestation = p.Signer.Sign(AttestationMessage(b))
	}

	if err := p.Store.SaveBlock(b); err != nil {
		return Block{}, fmt.Errorf("save block %d: %w", b.Height, err)
	}
	hash := HashOfBlock(b)
	if err := p.Store.SetCommitted(hash); err != nil {
		return Block{}, fmt.Errorf("commit block %d: %w", b.Height, err)
	}
	p.tip = b

	if p.WAL != nil {
		p.WAL.Append(fmt.Sprintf("commit height=%d hash=%s apphash=0x%x", b.Height, hash, b.AppHash[:]))
	}
	if p.VerboseLogging || len(b.Payload) > 0 {
		p.Logger.Infow("commit", "height", b.Height, "bytes", len(b.Payload), "apphash", fmt.Sprintf("0x%x", b.AppHash[:8]))
	}
	if p.OnBlockCommit != nil {
		p.OnBlockCommit(b)
	}
	return b, nil
}

var ErrBadAttestation = errors.New("block attestation does not verify")

// VerifyBlock checks b's attestation against the proposer key.
func VerifyBlock(pk *crypto.BLSPubKey, b Block) error {
	if len(b.Attestation) == 0 || !crypto.VerifyBLS(pk, b.Attestation, AttestationMessage(b)) {
		return fmt.Errorf("%w: height %d", ErrBadAttestation, b.Height)
	}
	return nil
}
