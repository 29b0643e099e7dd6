package session

import "time"

// Config for a torrent session.
type Config struct {
	// Peers that did not send anything in this duration are counted as timed out.
	PeerIdleTimeout time.Duration `yaml:"peer_idle_timeout"`
	// A keep-alive message is sent when nothing was written to a peer in this duration.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// Interval between peer state refreshes and selection rounds.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// A disconnected peer is not chosen as a replacement in this duration after the last connect attempt.
	ReconnectCooldown time.Duration `yaml:"reconnect_cooldown"`
	// Max number of connected peers.
	MaxSwarmSize int `yaml:"max_swarm_size"`

	// Concurrency limits of the peer tasks.
	ConnectConcurrency   int64 `yaml:"connect_concurrency"`
	ReceiveConcurrency   int64 `yaml:"receive_concurrency"`
	SendConcurrency      int64 `yaml:"send_concurrency"`
	KeepAliveConcurrency int64 `yaml:"keep_alive_concurrency"`
	UpdateConcurrency    int   `yaml:"update_concurrency"`

	// Max number of queued outgoing messages per peer.
	OutboundQueueSize int `yaml:"outbound_queue_size"`
	// Length of requested blocks.
	BlockSize uint32 `yaml:"block_size"`
	// Max number of requests sent to a peer but not answered yet.
	MaxRequestsPerPeer int `yaml:"max_requests_per_peer"`
	// Max number of requests in flight for a single piece across all peers.
	MaxRequestsPerPiece int `yaml:"max_requests_per_piece"`
	// Max number of pieces requested from a peer at once.
	MaxActivePieces int `yaml:"max_active_pieces"`
	// Pieces held by at most this many peers are rare.
	PieceRarityThreshold int `yaml:"piece_rarity_threshold"`
	// Requests not answered in this duration are sent again.
	PieceRequestTimeout time.Duration `yaml:"piece_request_timeout"`

	// Time to wait for TCP connection to open.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Time to wait for pending writes and the snapshot when a session is stopped.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Frames longer than this are rejected.
	MaxMessageLength uint32 `yaml:"max_message_length"`
}

// DefaultConfig for Session.
var DefaultConfig = Config{
	PeerIdleTimeout:      300 * time.Second,
	KeepAliveInterval:    300 * time.Second,
	RefreshInterval:      30 * time.Second,
	ReconnectCooldown:    30 * time.Second,
	MaxSwarmSize:         50,
	ConnectConcurrency:   10,
	ReceiveConcurrency:   50,
	SendConcurrency:      75,
	KeepAliveConcurrency: 20,
	UpdateConcurrency:    30,
	OutboundQueueSize:    1000,
	BlockSize:            16384,
	MaxRequestsPerPeer:   32,
	MaxRequestsPerPiece:  5,
	MaxActivePieces:      16,
	PieceRarityThreshold: 5,
	PieceRequestTimeout:  5 * time.Second,
	ConnectTimeout:       10 * time.Second,
	ShutdownTimeout:      10 * time.Second,
	MaxMessageLength:     1 << 20,
}
