// Package messagehandler applies messages received from peers to the session state.
package messagehandler

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/drizzle/internal/bitfield"
	"github.com/cenkalti/drizzle/internal/counters"
	"github.com/cenkalti/drizzle/internal/logger"
	"github.com/cenkalti/drizzle/internal/peer"
	"github.com/cenkalti/drizzle/internal/peerprotocol"
	"github.com/cenkalti/drizzle/internal/piece"
	"github.com/cenkalti/drizzle/internal/session"
)

// MaxRequestLength is the largest block a peer may request from us.
const MaxRequestLength = 128 * 1024

var (
	errInfoHashMismatch = errors.New("info hash mismatch")
	errSwarmFull        = errors.New("swarm is full")
	errPieceIndex       = errors.New("piece index out of range")
	errBlockRange       = errors.New("block out of piece range")
)

// PeerManager is the part of the peer manager used by the handler.
type PeerManager interface {
	// QueueMessage puts msg on the outbound queue of the peer.
	QueueMessage(pe *peer.Peer, msg peerprotocol.Message) bool
	// QueuePieceRequests sends requests for missing pieces the peer has.
	QueuePieceRequests(pe *peer.Peer)
	// FastUnchoke unchokes an interested peer without waiting for the next selection round.
	FastUnchoke(pe *peer.Peer)
	// BroadcastHave announces a completed piece to the connected peers that lack it.
	BroadcastHave(index uint32)
	// Drop disconnects the peer asynchronously.
	Drop(pe *peer.Peer, reason error)
}

// Handler is the protocol state machine of the peers of a session.
// Messages of a single peer must be handled in arrival order.
type Handler struct {
	session *session.Session
	pm      PeerManager
	log     logger.Logger
}

// New returns a new Handler.
func New(s *session.Session, pm PeerManager) *Handler {
	return &Handler{
		session: s,
		pm:      pm,
		log:     s.Log,
	}
}

// Subscribe starts handling messages raised by the session's MessageReceived event.
func (h *Handler) Subscribe() (unsubscribe func()) {
	return h.session.MessageReceived.Subscribe(func(e session.MessageReceived) {
		h.Handle(e.Peer, e.Message)
	})
}

// Handle applies a single message received from pe.
func (h *Handler) Handle(pe *peer.Peer, msg peerprotocol.Message) {
	// Order is checked against the stage before the message is applied.
	pe.SetFollowsOrder(pe.Stage().InOrder(msg.ID()))

	switch msg := msg.(type) {
	case peerprotocol.HandshakeMessage:
		h.handleHandshake(pe, msg)
	case peerprotocol.BitfieldMessage:
		h.handleBitfield(pe, msg)
	case peerprotocol.HaveMessage:
		h.handleHave(pe, msg)
	case peerprotocol.ChokeMessage:
		pe.SetPeerChoking(true)
		// choked peers discard our requests
		h.session.Pending.ReleasePeer(pe.Addr)
	case peerprotocol.UnchokeMessage:
		pe.SetPeerChoking(false)
		h.pm.QueuePieceRequests(pe)
	case peerprotocol.InterestedMessage:
		pe.SetPeerInterested(true)
		h.pm.FastUnchoke(pe)
	case peerprotocol.NotInterestedMessage:
		pe.SetPeerInterested(false)
	case peerprotocol.RequestMessage:
		h.handleRequest(pe, msg)
	case peerprotocol.PieceMessage:
		h.handlePiece(pe, msg)
	case peerprotocol.CancelMessage:
		if q, ok := h.session.Queue(pe.Addr); ok {
			q.CancelPiece(msg.Index, msg.Begin, msg.Length)
		}
	case peerprotocol.KeepAliveMessage:
	default:
		h.log.Debugf("unhandled message from %s: %s", pe, msg.ID())
	}
}

func (h *Handler) handleHandshake(pe *peer.Peer, msg peerprotocol.HandshakeMessage) {
	if msg.InfoHash != h.session.InfoHash {
		h.pm.Drop(pe, errInfoHashMismatch)
		return
	}
	pe.SetID(msg.PeerID)
	if !h.session.SetConnected(pe) {
		h.pm.Drop(pe, errSwarmFull)
		return
	}
	pe.SetHandshakeCompleted()
	pe.AdvanceStage(peer.AwaitingBitfield)
	h.log.Debugf("handshake completed with %s", pe)
	h.session.PeerConnected.Notify(pe)

	h.pm.QueueMessage(pe, peerprotocol.BitfieldMessage{Data: h.session.PieceManager.Bitfield()})
}

func (h *Handler) handleBitfield(pe *peer.Peer, msg peerprotocol.BitfieldMessage) {
	numPieces := h.session.NumPieces()
	bf, err := bitfield.FromBytes(msg.Data, numPieces)
	if err != nil || uint32(len(msg.Data)) != (numPieces+7)/8 {
		h.pm.Drop(pe, fmt.Errorf("invalid bitfield length: %d", len(msg.Data)))
		return
	}
	previous := pe.SetPieces(bf)
	h.session.PieceManager.RemovePeerPieces(slices.Values(previous))
	h.session.PieceManager.AddPeerPieces(bf.SetIndices())
	pe.SetSeeder(bf.All())
	pe.AdvanceStage(peer.AwaitingHaveOrRequest)
	h.updateInterest(pe)
}

func (h *Handler) handleHave(pe *peer.Peer, msg peerprotocol.HaveMessage) {
	if msg.Index >= h.session.NumPieces() {
		h.pm.Drop(pe, fmt.Errorf("%w: have %d", errPieceIndex, msg.Index))
		return
	}
	if pe.AddPiece(msg.Index) {
		h.session.PieceManager.AddPeerPiece(msg.Index)
		if pe.HasAllPieces() {
			pe.SetSeeder(true)
		}
	}
	// a peer with no pieces may skip the bitfield
	pe.CompareAndAdvance(peer.AwaitingBitfield, peer.AwaitingHaveOrRequest)
	pe.CompareAndAdvance(peer.AwaitingHaveOrRequest, peer.AwaitingPiece)
	if !h.session.PieceManager.HasPiece(msg.Index) {
		if pe.SetAmInterested(true) {
			h.pm.QueueMessage(pe, peerprotocol.InterestedMessage{})
		}
		if !pe.PeerChoking() {
			h.pm.QueuePieceRequests(pe)
		}
	}
}

// updateInterest sends Interested if the peer has a piece we are missing.
func (h *Handler) updateInterest(pe *peer.Peer) {
	for _, i := range pe.PieceIndices() {
		if !h.session.PieceManager.HasPiece(i) {
			if pe.SetAmInterested(true) {
				h.pm.QueueMessage(pe, peerprotocol.InterestedMessage{})
			}
			return
		}
	}
}

func (h *Handler) checkBlock(index, begin, length uint32) error {
	if index >= h.session.NumPieces() {
		return fmt.Errorf("%w: %d", errPieceIndex, index)
	}
	if length == 0 || uint64(begin)+uint64(length) > uint64(h.session.PieceLength(index)) {
		return fmt.Errorf("%w: piece=%d begin=%d length=%d", errBlockRange, index, begin, length)
	}
	return nil
}

func (h *Handler) handleRequest(pe *peer.Peer, msg peerprotocol.RequestMessage) {
	if err := h.checkBlock(msg.Index, msg.Begin, msg.Length); err != nil {
		h.pm.Drop(pe, err)
		return
	}
	if msg.Length > MaxRequestLength {
		h.pm.Drop(pe, fmt.Errorf("request too large: %d", msg.Length))
		return
	}
	pe.CompareAndAdvance(peer.AwaitingHaveOrRequest, peer.AwaitingPiece)
	if pe.AmChoking() {
		h.log.Debugf("ignoring request from choked peer %s", pe)
		return
	}
	if !h.session.PieceManager.HasPiece(msg.Index) {
		h.log.Debugf("peer %s requested piece #%d that we don't have", pe, msg.Index)
		return
	}
	h.session.BlockRequestReceived.Notify(session.BlockRequest{
		Peer:   pe,
		Index:  msg.Index,
		Begin:  msg.Begin,
		Length: msg.Length,
	})
}

func (h *Handler) handlePiece(pe *peer.Peer, msg peerprotocol.PieceMessage) {
	s := h.session
	length := uint32(len(msg.Data))
	if err := h.checkBlock(msg.Index, msg.Begin, length); err != nil {
		h.pm.Drop(pe, err)
		return
	}
	key := piece.BlockKey{PieceIndex: msg.Index, Begin: msg.Begin, Length: length}
	req, ok := s.Pending.Complete(pe.Addr, key)
	if !ok {
		h.log.Debugf("unrequested block from %s: piece=%d begin=%d length=%d", pe, msg.Index, msg.Begin, length)
		s.Counters.Incr(counters.BytesWasted, int64(length))
		return
	}
	pe.Metrics.RecordDownload(len(msg.Data))
	pe.Metrics.RecordResponse(time.Since(req.SentAt))
	s.Metrics.SpeedDownload.Mark(int64(length))
	s.Counters.Incr(counters.BytesDownloaded, int64(length))
	pe.AdvanceStage(peer.Established)

	pi := s.Pieces[msg.Index]
	if s.PieceManager.HasPiece(msg.Index) {
		s.Counters.Incr(counters.BytesWasted, int64(length))
		h.requestMore(pe)
		return
	}
	if err := pi.PutBlock(msg.Begin, msg.Data); err != nil {
		h.log.Debugf("cannot store block from %s: piece=%d begin=%d: %s", pe, msg.Index, msg.Begin, err)
		s.Counters.Incr(counters.BytesWasted, int64(length))
		h.requestMore(pe)
		return
	}
	s.BlockReceived.Notify(session.BlockReceived{
		Peer:  pe,
		Block: piece.Block{PieceIndex: msg.Index, Begin: msg.Begin, Length: length, Data: msg.Data},
	})

	switch err := pi.Validate(); {
	case err == nil:
		h.pieceCompleted(pi)
	case errors.Is(err, piece.ErrHashMismatch):
		h.log.Errorf("received corrupt piece #%d", pi.Index)
		pi.Reset()
		s.Counters.Incr(counters.BytesWasted, int64(pi.Length))
		s.Metrics.HashFailures.Inc(1)
	}
	h.requestMore(pe)
}

func (h *Handler) pieceCompleted(pi *piece.Piece) {
	s := h.session
	if !s.PieceManager.MarkPieceComplete(pi.Index) {
		return
	}
	s.AddRemaining(-int64(pi.Length))
	// data is kept by the queued writes
	pi.Reset()
	for _, addr := range s.Pending.ReleasePiece(pi.Index) {
		if other, ok := s.Peer(addr); ok {
			for _, b := range pi.Blocks() {
				h.pm.QueueMessage(other, peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
					Index: b.PieceIndex, Begin: b.Begin, Length: b.Length,
				}})
			}
		}
	}
	h.log.Debugf("piece #%d completed", pi.Index)
	h.pm.BroadcastHave(pi.Index)
	if s.PieceManager.HasAllPieces() {
		h.log.Info("download completed")
		s.FileCompleted.Notify(struct{}{})
	}
}

func (h *Handler) requestMore(pe *peer.Peer) {
	if pe.PeerChoking() || !pe.AmInterested() {
		return
	}
	if h.session.Pending.PeerInFlight(pe.Addr) > h.session.Config.MaxRequestsPerPeer/2 {
		return
	}
	h.pm.QueuePieceRequests(pe)
}
