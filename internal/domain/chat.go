package domain

// ChatMessage is one entry of a room's chat history.
type ChatMessage struct {
	PeerID      PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
	Picture     string `json:"picture,omitempty"`
	Text        string `json:"text"`
	Time        int64  `json:"time"`
}
