package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
)

const (
	topicTx        = "hypersettle-tx"
	topicEvents    = "hypersettle-events"
	topicBlocks    = "hypersettle-blocks"
	protocolStatus = protocol.ID("/hypersettle/status/1.0.0")

	maxTxBytes = 64 << 10
)

// Handlers receive gossip from other peers. Own publications are not
// delivered back. Any handler may be nil.
type Handlers struct {
	// OnTx receives a raw signed transaction; it reports whether the tx was
	// accepted into the local mempool.
	OnTx    func(raw []byte) bool
	OnEvent func(from peer.ID, w EventWire)
	OnBlock func(from peer.ID, w BlockWire)
	// Status answers status requests from peers.
	Status func() StatusWire
}

// Libp2pNet gossips settlement calls, events and block announcements over
// GossipSub and serves node status over a direct stream.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tTx, tEvents, tBlocks       *pubsub.Topic
	subTx, subEvents, subBlocks *pubsub.Subscription

	muH      sync.RWMutex
	handlers Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolStatus, net.handleStatusStream)

	go net.handleTx(ctx)
	go net.handleEvents(ctx)
	go net.handleBlocks(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tTx, err = n.ps.Join(topicTx); err != nil {
		return err
	}
	if n.tEvents, err = n.ps.Join(topicEvents); err != nil {
		return err
	}
	if n.tBlocks, err = n.ps.Join(topicBlocks); err != nil {
		return err
	}

	if n.subTx, err = n.tTx.Subscribe(); err != nil {
		return err
	}
	if n.subEvents, err = n.tEvents.Subscribe(); err != nil {
		return err
	}
	if n.subBlocks, err = n.tBlocks.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns the host's dialable addresses including its peer id.
func (n *Libp2pNet) Addrs() []string {
	suffix := "/p2p/" + n.h.ID().String()
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

func (n *Libp2pNet) Close() error { return n.h.Close() }

// PublishTx relays a raw signed transaction to peers.
func (n *Libp2pNet) PublishTx(ctx context.Context, raw []byte) error {
	if len(raw) > maxTxBytes {
		return fmt.Errorf("tx of %d bytes exceeds gossip limit", len(raw))
	}
	return n.tTx.Publish(ctx, raw)
}

// PublishEvent gossips a settlement event observed locally.
func (n *Libp2pNet) PublishEvent(ctx context.Context, ev settlement.Event) error {
	data, err := gobEncode(EventWire{Origin: n.h.ID().String(), Event: ev})
	if err != nil {
		return err
	}
	return n.tEvents.Publish(ctx, data)
}

func (n *Libp2pNet) AnnounceBlock(ctx context.Context, w BlockWire) error {
	data, err := gobEncode(w)
	if err != nil {
		return err
	}
	return n.tBlocks.Publish(ctx, data)
}

// QueryStatus asks a connected peer for its chain status.
func (n *Libp2pNet) QueryStatus(ctx context.Context, to peer.ID) (StatusWire, error) {
	if n.h.Network().Connectedness(to) != network.Connected {
		return StatusWire{}, errors.New("peer not connected")
	}
	stream, err := n.h.NewStream(ctx, to, protocolStatus)
	if err != nil {
		return StatusWire{}, err
	}
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, 4096))
	if err != nil {
		return StatusWire{}, err
	}
	var st StatusWire
	if err := gobDecode(data, &st); err != nil {
		return StatusWire{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// inbound

func (n *Libp2pNet) current() Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Libp2pNet) self(msg *pubsub.Message) bool { return msg.ReceivedFrom == n.h.ID() }

func (n *Libp2pNet) handleTx(ctx context.Context) {
	for {
		msg, err := n.subTx.Next(ctx)
		if err != nil {
			return
		}
		if n.self(msg) || len(msg.Data) > maxTxBytes {
			continue
		}
		if h := n.current(); h.OnTx != nil && !h.OnTx(msg.Data) {
			n.log.Debugw("gossip_tx_dropped", "from", msg.ReceivedFrom.String(), "bytes", len(msg.Data))
		}
	}
}

func (n *Libp2pNet) handleEvents(ctx context.Context) {
	for {
		msg, err := n.subEvents.Next(ctx)
		if err != nil {
			return
		}
		if n.self(msg) {
			continue
		}
		var w EventWire
		if err := gobDecode(msg.Data, &w); err != nil {
			n.log.Debugw("gossip_event_invalid", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if h := n.current(); h.OnEvent != nil {
			h.OnEvent(msg.ReceivedFrom, w)
		}
	}
}

func (n *Libp2pNet) handleBlocks(ctx context.Context) {
	for {
		msg, err := n.subBlocks.Next(ctx)
		if err != nil {
			return
		}
		if n.self(msg) {
			continue
		}
		var w BlockWire
		if err := gobDecode(msg.Data, &w); err != nil {
			n.log.Debugw("gossip_block_invalid", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if h := n.current(); h.OnBlock != nil {
			h.OnBlock(msg.ReceivedFrom, w)
		}
	}
}

func (n *Libp2pNet) handleStatusStream(s network.Stream) {
	defer s.Close()

	h := n.current()
	if h.Status == nil {
		_ = s.Reset()
		return
	}
	data, err := gobEncode(h.Status())
	if err != nil {
		_ = s.Reset()
		return
	}
	if _, err := s.Write(data); err != nil {
		n.log.Debugw("status_write_failed", "peer", s.Conn().RemotePeer().String(), "err", err)
	}
}
