// Package rtc establishes direct peer media sessions, using the relay
// as the signaling transport. It owns all PeerConnection state; the
// relay only ever sees opaque signaling payloads.
package rtc

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/linkipax/realtime/internal/stats"
)

// Role says which side of a peer pair drives negotiation. Exactly one
// side may be the initiator, or both would produce offers and the
// exchange would glare.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Signaler is the only surface this package needs from the relay.
type Signaler interface {
	SendSignal(to string, payload json.RawMessage) error
}

// SignalPayload is the shape of the opaque payloads exchanged between
// peers: an SDP offer/answer or a trickled ICE candidate.
type SignalPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

// PeerSession is one direct connection to a remote participant. The
// underlying PeerConnection is owned exclusively by the Orchestrator.
type PeerSession struct {
	peerId string
	role   Role
	pc     *webrtc.PeerConnection
}

func (s *PeerSession) PeerId() string { return s.peerId }
func (s *PeerSession) Role() Role     { return s.role }

// Orchestrator tracks one PeerSession per remote participant, keyed
// by a transport-level peer id (not the application user id: one user
// may hold several devices in a room).
type Orchestrator struct {
	log     *log.Logger
	localId string
	sig     Signaler
	stats   stats.StatsProvider
	webrtc  webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*PeerSession
}

func NewOrchestrator(logger *log.Logger, localId string, sig Signaler, sp stats.StatsProvider) *Orchestrator {
	sp.RegisterMetric(stats.PeersActive)

	return &Orchestrator{
		log:     logger,
		localId: localId,
		sig:     sig,
		stats:   sp,
		webrtc: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		peers: make(map[string]*PeerSession),
	}
}

// CreatePeer opens a session to a remote participant. The local side
// is the initiator iff callerId names the local user; callerId must
// come from a single source of truth (the relay's room-join ordering)
// so exactly one side of each pair initiates.
func (o *Orchestrator) CreatePeer(peerId, callerId string, tracks []webrtc.TrackLocal) (*PeerSession, error) {
	o.mu.Lock()
	if existing, ok := o.peers[peerId]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	o.mu.Unlock()

	role := RoleResponder
	if callerId == o.localId {
		role = RoleInitiator
	}

	pc, err := webrtc.NewPeerConnection(o.webrtc)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	if len(tracks) == 0 {
		// Recvonly transceivers so the offer still carries valid
		// m-lines with ICE credentials.
		o.addRecvOnlyTransceivers(peerId, pc)
	}

	sess := &PeerSession{peerId: peerId, role: role, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		o.sendSignal(peerId, &SignalPayload{Type: signalCandidate, Candidate: &init})
	})

	// A failure on one peer never tears down the others.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.log.Printf("rtc [%s]: connection state %s", peerId, state)
		if state == webrtc.PeerConnectionStateFailed {
			o.log.Printf("rtc [%s]: peer connection failed", peerId)
		}
	})

	o.mu.Lock()
	o.peers[peerId] = sess
	o.mu.Unlock()
	o.stats.Incr(stats.PeersActive)

	if role == RoleInitiator {
		if err := o.sendOffer(sess); err != nil {
			o.RemovePeer(peerId)
			return nil, err
		}
	}

	o.log.Printf("rtc [%s]: session created, role=%s", peerId, role)
	return sess, nil
}

func (o *Orchestrator) addRecvOnlyTransceivers(peerId string, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			o.log.Printf("rtc [%s]: add %s transceiver: %v", peerId, kind, err)
		}
	}
}

func (o *Orchestrator) sendOffer(sess *PeerSession) error {
	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return o.sendSignal(sess.peerId, &SignalPayload{Type: signalOffer, SDP: offer.SDP})
}

// HandleSignal applies an inbound signaling payload to the session it
// addresses. Payloads for unknown peers are dropped; a bad payload
// affects only that peer.
func (o *Orchestrator) HandleSignal(from string, payload json.RawMessage) error {
	var sp SignalPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return fmt.Errorf("parse signal payload: %w", err)
	}

	o.mu.Lock()
	sess, ok := o.peers[from]
	o.mu.Unlock()
	if !ok {
		o.log.Printf("rtc: signal %q from unknown peer %q", sp.Type, from)
		return nil
	}

	switch sp.Type {
	case signalOffer:
		if err := sess.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sp.SDP,
		}); err != nil {
			return fmt.Errorf("rtc [%s]: set remote offer: %w", from, err)
		}
		answer, err := sess.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("rtc [%s]: create answer: %w", from, err)
		}
		if err := sess.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("rtc [%s]: set local answer: %w", from, err)
		}
		return o.sendSignal(from, &SignalPayload{Type: signalAnswer, SDP: answer.SDP})
	case signalAnswer:
		if err := sess.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sp.SDP,
		}); err != nil {
			return fmt.Errorf("rtc [%s]: set remote answer: %w", from, err)
		}
		return nil
	case signalCandidate:
		if sp.Candidate == nil {
			return fmt.Errorf("rtc [%s]: candidate signal without candidate", from)
		}
		if err := sess.pc.AddICECandidate(*sp.Candidate); err != nil {
			return fmt.Errorf("rtc [%s]: add ice candidate: %w", from, err)
		}
		return nil
	default:
		o.log.Printf("rtc [%s]: unknown signal type %q", from, sp.Type)
		return nil
	}
}

func (o *Orchestrator) sendSignal(peerId string, sp *SignalPayload) error {
	raw, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}
	if err := o.sig.SendSignal(peerId, raw); err != nil {
		return fmt.Errorf("send signal to %s: %w", peerId, err)
	}
	return nil
}

// Peer returns the session for a peer id, if any.
func (o *Orchestrator) Peer(peerId string) (*PeerSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.peers[peerId]
	return sess, ok
}

// RemovePeer tears down one session. Safe to call repeatedly and for
// unknown peers; must be called on participant-leave so connections
// don't leak.
func (o *Orchestrator) RemovePeer(peerId string) {
	o.mu.Lock()
	sess, ok := o.peers[peerId]
	if ok {
		delete(o.peers, peerId)
	}
	o.mu.Unlock()

	if !ok {
		return
	}

	if err := sess.pc.Close(); err != nil {
		o.log.Printf("rtc [%s]: close: %v", peerId, err)
	}
	o.stats.Decr(stats.PeersActive)
	o.log.Printf("rtc [%s]: session removed", peerId)
}

// Close tears down every session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	peerIds := make([]string, 0, len(o.peers))
	for id := range o.peers {
		peerIds = append(peerIds, id)
	}
	o.mu.Unlock()

	for _, id := range peerIds {
		o.RemovePeer(id)
	}
}
