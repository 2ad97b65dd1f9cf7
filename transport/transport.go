package transport

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/pichain/consensus"
	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/rtt"
)

// Receiver is the inbound half of the capability split spec.md §9
// calls for ("Transport owns Node's inbound handler as a capability").
// consensus.Node satisfies it; Transport holds one, set after both
// sides exist, so neither package needs to import the other's
// constructor — only this interface and consensus.Transport (which
// *Transport below satisfies structurally) cross the boundary.
type Receiver interface {
	ReceiveTransaction(t *core.Transaction)
	ReceiveBlock(b *core.Block, from core.NodeID)
	ReceiveMessage(m *consensus.PaxosMessage)
	HandleRequestBlock(from core.NodeID, id core.BlockID)
	HandleRespondBlock(from core.NodeID, blocks []*core.Block)
}

// pingInterval is how often Transport pings each connected peer to
// refresh the shared rtt.Estimator.
const pingInterval = 5 * time.Second

// Transport is the concrete implementation of consensus.Transport:
// length-prefixed JSON envelopes over TCP (optionally mTLS), a peer
// table keyed by core.NodeID, and PIN/PON bookkeeping feeding an
// rtt.Estimator.
type Transport struct {
	nodeID     core.NodeID
	listenAddr string
	tlsConfig  *tls.Config
	estimator  *rtt.Estimator

	mu       sync.RWMutex
	peers    map[core.NodeID]*Peer
	receiver Receiver

	listener net.Listener
	stopCh   chan struct{}
}

// New returns a Transport for nodeID, listening on listenAddr once
// Start is called. tlsCfg may be nil for plain TCP. estimator may be
// nil to disable RTT pinging (tests that don't need it).
func New(nodeID core.NodeID, listenAddr string, tlsCfg *tls.Config, estimator *rtt.Estimator) *Transport {
	return &Transport{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		estimator:  estimator,
		peers:      make(map[core.NodeID]*Peer),
		stopCh:     make(chan struct{}),
	}
}

// SetReceiver wires the inbound handler. Must be called before Start
// (or before any peer connects) for incoming messages to be dispatched.
func (t *Transport) SetReceiver(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

// Start begins accepting inbound connections.
func (t *Transport) Start() error {
	var ln net.Listener
	var err error
	if t.tlsConfig != nil {
		ln, err = tls.Listen("tcp", t.listenAddr, t.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", t.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every connected peer.
func (t *Transport) Stop() {
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.Close()
	}
}

// AddPeer dials a known cluster member by id and registers the
// resulting connection, sending HELLO so the remote side can
// attribute the connection to this node.
func (t *Transport) AddPeer(id core.NodeID, addr string) error {
	peer, err := Dial(addr, t.tlsConfig)
	if err != nil {
		return err
	}
	peer.ID = id
	t.registerPeer(peer)

	hello, _ := json.Marshal(helloPayload{NodeID: t.nodeID})
	if err := peer.Send(Envelope{Type: MsgHello, Payload: hello}); err != nil {
		log.Printf("[transport] send hello to %d: %v", id, err)
	}
	return nil
}

func (t *Transport) registerPeer(peer *Peer) {
	t.mu.Lock()
	t.peers[peer.ID] = peer
	t.mu.Unlock()
	go t.readLoop(peer)
	if t.estimator != nil {
		go t.pingLoop(peer)
	}
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				log.Printf("[transport] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		// The peer's NodeID is unknown until its HELLO arrives; readLoop
		// fills it in and moves the entry into t.peers under the real id.
		peer := NewPeer(conn.RemoteAddr().String(), conn)
		go t.readLoop(peer)
	}
}

func (t *Transport) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[transport] readLoop panic from %s: %v", peer.Addr, r)
		}
		peer.Close()
		t.mu.Lock()
		if t.peers[peer.ID] == peer {
			delete(t.peers, peer.ID)
		}
		t.mu.Unlock()
	}()
	for {
		env, err := peer.Receive()
		if err != nil {
			return // TransportFailure: no explicit handling, per spec.md §7
		}
		t.dispatch(peer, env)
	}
}

func (t *Transport) pingLoop(peer *Peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			id := t.estimator.BeginPing(time.Now())
			data, _ := json.Marshal(pingPayload{ID: id})
			if err := peer.Send(Envelope{Type: MsgPIN, Payload: data}); err != nil {
				return
			}
		}
	}
}

func (t *Transport) dispatch(peer *Peer, env Envelope) {
	if env.Type == MsgHello {
		var hp helloPayload
		if err := json.Unmarshal(env.Payload, &hp); err != nil {
			log.Printf("[transport] unmarshal hello: %v", err)
			return
		}
		peer.ID = hp.NodeID
		t.mu.Lock()
		t.peers[peer.ID] = peer
		t.mu.Unlock()
		return
	}

	t.mu.RLock()
	r := t.receiver
	t.mu.RUnlock()

	switch env.Type {
	case MsgPIN:
		var pp pingPayload
		if err := json.Unmarshal(env.Payload, &pp); err != nil {
			return
		}
		data, _ := json.Marshal(pingPayload{ID: pp.ID})
		if err := peer.Send(Envelope{Type: MsgPON, Payload: data}); err != nil {
			log.Printf("[transport] send pong to %d: %v", peer.ID, err)
		}
		return

	case MsgPON:
		var pp pingPayload
		if err := json.Unmarshal(env.Payload, &pp); err != nil {
			return
		}
		if t.estimator != nil {
			t.estimator.EndPing(pp.ID, time.Now())
		}
		return
	}

	if r == nil {
		return
	}

	switch env.Type {
	case MsgTXN:
		var tx core.Transaction
		if err := json.Unmarshal(env.Payload, &tx); err != nil {
			log.Printf("[transport] unmarshal txn: %v", err)
			return
		}
		r.ReceiveTransaction(&tx)

	case MsgBLK:
		var b core.Block
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			log.Printf("[transport] unmarshal block: %v", err)
			return
		}
		r.ReceiveBlock(&b, peer.ID)

	case MsgPAM:
		var m consensus.PaxosMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			log.Printf("[transport] unmarshal paxos message: %v", err)
			return
		}
		r.ReceiveMessage(&m)

	case MsgRQB:
		var p requestBlockPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[transport] unmarshal request_block: %v", err)
			return
		}
		r.HandleRequestBlock(peer.ID, p.BlockID)

	case MsgRSB:
		var p respondBlockPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[transport] unmarshal respond_block: %v", err)
			return
		}
		r.HandleRespondBlock(peer.ID, p.Blocks)

	case MsgACM:
		// Out-of-scope GC notification (spec.md §4.4): nothing in the
		// core consumes it today, so it is silently acknowledged.

	default:
		log.Printf("[transport] unknown envelope type %q from %d", env.Type, peer.ID)
	}
}

func (t *Transport) snapshotPeers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	return peers
}

func (t *Transport) send(peer *Peer, env Envelope) {
	if err := peer.Send(env); err != nil {
		log.Printf("[transport] send %s to %d: %v", env.Type, peer.ID, err)
	}
}

// ---- consensus.Transport implementation ----

// BroadcastTransaction delivers t to every connected peer. Not part of
// consensus.Transport (the core never initiates this — a client hands
// a transaction to exactly one node), but it's how cmd/node's RPC
// surface fans out a submitted transaction to the cluster so every
// node's patience timer can see it.
func (t *Transport) BroadcastTransaction(tx *core.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		log.Printf("[transport] marshal txn: %v", err)
		return
	}
	env := Envelope{Type: MsgTXN, Payload: data}
	for _, p := range t.snapshotPeers() {
		t.send(p, env)
	}
}

// BroadcastBlock implements consensus.Transport.
func (t *Transport) BroadcastBlock(b *core.Block) {
	data, err := json.Marshal(b)
	if err != nil {
		log.Printf("[transport] marshal block: %v", err)
		return
	}
	env := Envelope{Type: MsgBLK, Payload: data}
	for _, p := range t.snapshotPeers() {
		t.send(p, env)
	}
}

// BroadcastPaxos implements consensus.Transport.
func (t *Transport) BroadcastPaxos(m *consensus.PaxosMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("[transport] marshal paxos message: %v", err)
		return
	}
	env := Envelope{Type: MsgPAM, Payload: data}
	for _, p := range t.snapshotPeers() {
		t.send(p, env)
	}
}

// RespondPaxos implements consensus.Transport.
func (t *Transport) RespondPaxos(to core.NodeID, m *consensus.PaxosMessage) {
	t.mu.RLock()
	peer, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("[transport] marshal paxos message: %v", err)
		return
	}
	t.send(peer, Envelope{Type: MsgPAM, Payload: data})
}

// RequestBlock implements consensus.Transport.
func (t *Transport) RequestBlock(peerID core.NodeID, id core.BlockID) {
	t.mu.RLock()
	peer, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	data, _ := json.Marshal(requestBlockPayload{BlockID: id})
	t.send(peer, Envelope{Type: MsgRQB, Payload: data})
}

// RespondBlock implements consensus.Transport.
func (t *Transport) RespondBlock(to core.NodeID, blocks []*core.Block) {
	t.mu.RLock()
	peer, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(respondBlockPayload{Blocks: blocks})
	if err != nil {
		log.Printf("[transport] marshal respond_block: %v", err)
		return
	}
	t.send(peer, Envelope{Type: MsgRSB, Payload: data})
}

// BroadcastAckCommit implements consensus.Transport.
func (t *Transport) BroadcastAckCommit(comBlock core.BlockID) {
	data, _ := json.Marshal(ackCommitPayload{BlockID: comBlock})
	env := Envelope{Type: MsgACM, Payload: data}
	for _, p := range t.snapshotPeers() {
		t.send(p, env)
	}
}

var _ consensus.Transport = (*Transport)(nil)
