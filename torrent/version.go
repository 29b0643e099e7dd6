package torrent

// Version of the client. Sent to trackers in the User-Agent header.
var Version = "0.0.0"
