package session

import (
	"math/rand"
	"sort"

	"github.com/cenkalti/rain/internal/peer"
	"github.com/cenkalti/rain/internal/peerconn"
)

const optimisticUnchokedPeerCount = 1

// tickUnchoke re-picks the regular (non-optimistic) unchoke set: the
// best-scoring interested peers (see unchokeScore) fill the UploadSlots left
// after the optimistic unchokes. The remaining interested peers are choked;
// peers not interested in us keep their current choke state.
func (t *torrent) tickUnchoke() {
	var candidates []*peer.Peer
	optimistic := make(map[*peer.Peer]struct{}, len(t.optimisticUnchokedPeers))
	for _, pe := range t.optimisticUnchokedPeers {
		optimistic[pe] = struct{}{}
	}
	for pe := range t.peers {
		if !pe.PeerInterested {
			continue
		}
		if _, ok := optimistic[pe]; ok {
			continue
		}
		pe.Downloading = !t.completed
		candidates = append(candidates, pe)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return unchokeScore(candidates[i]) > unchokeScore(candidates[j])
	})

	slots := int(t.config.UploadSlots) - len(t.optimisticUnchokedPeers)
	if slots < 0 {
		slots = 0
	}
	for i, pe := range candidates {
		if i < slots {
			t.unchokePeer(pe)
		} else {
			t.chokePeer(pe)
		}
	}
	for pe := range t.peers {
		pe.BytesDownloadedInChokePeriod = 0
		pe.BytesUploadedInChokePeriod = 0
	}
}

// unchokeScore ranks a peer by how much it has sent us lately while we are
// still downloading (Downloading set), and by how much we have sent it once
// we are seeding.
func unchokeScore(pe *peer.Peer) int64 {
	if pe.Downloading {
		return pe.BytesDownloadedInChokePeriod
	}
	return pe.BytesUploadedInChokePeriod
}

// tickOptimisticUnchoke chokes the peers optimistically unchoked last
// round and picks a fresh random set, giving newly-connected or
// otherwise-choked peers a chance to prove themselves.
func (t *torrent) tickOptimisticUnchoke() {
	for _, pe := range t.optimisticUnchokedPeers {
		pe.OptimisticUnchoked = false
		t.chokePeer(pe)
	}
	t.optimisticUnchokedPeers = t.optimisticUnchokedPeers[:0]

	var candidates []*peer.Peer
	for pe := range t.peers {
		if pe.PeerInterested && pe.AmChoking {
			candidates = append(candidates, pe)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	n := optimisticUnchokedPeerCount
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, pe := range candidates[:n] {
		pe.OptimisticUnchoked = true
		t.optimisticUnchokedPeers = append(t.optimisticUnchokedPeers, pe)
		t.unchokePeer(pe)
	}
}

func (t *torrent) chokePeer(pe *peer.Peer) {
	if !pe.AmChoking {
		pe.AmChoking = true
		pe.SendMessage(peerconn.ChokeMessage{})
	}
}

func (t *torrent) unchokePeer(pe *peer.Peer) {
	if pe.AmChoking {
		pe.AmChoking = false
		pe.SendMessage(peerconn.UnchokeMessage{})
	}
}
