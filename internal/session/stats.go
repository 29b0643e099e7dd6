package session

import (
	"encoding/hex"

	"github.com/cenkalti/drizzle/internal/counters"
)

// Stats of a session.
type Stats struct {
	Name            string `json:"name"`
	InfoHash        string `json:"info_hash"`
	BytesTotal      int64  `json:"bytes_total"`
	BytesRemaining  int64  `json:"bytes_remaining"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	BytesUploaded   int64  `json:"bytes_uploaded"`
	BytesWasted     int64  `json:"bytes_wasted"`
	PiecesHave      uint32 `json:"pieces_have"`
	PiecesTotal     uint32 `json:"pieces_total"`
	Progress        int    `json:"progress"`
	PeersConnected  int    `json:"peers_connected"`
	PeersKnown      int    `json:"peers_known"`
	Seeders         int32  `json:"seeders"`
	Leechers        int32  `json:"leechers"`
	Tracker         string `json:"tracker"`
	DownloadSpeed   int    `json:"download_speed"`
	UploadSpeed     int    `json:"upload_speed"`
}

// Stats returns a snapshot of counters of the session.
func (s *Session) Stats() Stats {
	st := Stats{
		Name:            s.Name,
		BytesTotal:      s.Info.TotalLength,
		BytesRemaining:  s.BytesRemaining(),
		BytesDownloaded: s.Counters.Read(counters.BytesDownloaded),
		BytesUploaded:   s.Counters.Read(counters.BytesUploaded),
		BytesWasted:     s.Counters.Read(counters.BytesWasted),
		PiecesHave:      s.PieceManager.CompletedCount(),
		PiecesTotal:     s.NumPieces(),
		PeersConnected:  s.NumConnected(),
		PeersKnown:      s.NumKnown(),
		Seeders:         s.seeders.Load(),
		Leechers:        s.leechers.Load(),
		DownloadSpeed:   int(s.Metrics.SpeedDownload.Rate1()),
		UploadSpeed:     int(s.Metrics.SpeedUpload.Rate1()),
	}
	st.InfoHash = hex.EncodeToString(s.InfoHash[:])
	if st.PiecesTotal > 0 {
		st.Progress = int(100 * st.PiecesHave / st.PiecesTotal)
	}
	if tr := s.trackers; len(tr) > 0 {
		st.Tracker = tr[s.TrackerIndex()%len(tr)]
	}
	return st
}
