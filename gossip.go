package lasp

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
)

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

// gossip receives membership transitions. Route resolution reads the member
// list directly, so the delegate only has to log.
type gossip struct {
	logger *slog.Logger
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}

// meta advertises the data plane port in the node's gossip metadata; peers
// pair it with the member's gossip address to know where to open QUIC
// streams without a second discovery step.
type meta struct {
	dataAddr string
}

func (m *meta) NodeMeta(limit int) []byte {
	if len(m.dataAddr) > limit {
		return nil
	}
	return []byte(m.dataAddr)
}

func (m *meta) NotifyMsg([]byte) {}

func (m *meta) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (m *meta) LocalState(join bool) []byte { return nil }

func (m *meta) MergeRemoteState(buf []byte, join bool) {}
