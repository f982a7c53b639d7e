// Package turn issues time-limited TURN REST credentials.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"time"
)

// TTL is how long issued credentials stay valid.
const TTL = 24 * time.Hour

type Config struct {
	URLs         []string `mapstructure:"urls"`
	StaticSecret string   `mapstructure:"static_secret"`
}

// Server is an ICE server entry handed to clients.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// Credentials returns username "<expiry>:<peerID>" and its HMAC-SHA1 password.
// peerID is omitted from the username when empty.
func Credentials(secret, peerID string, now time.Time) (username, password string) {
	username = strconv.FormatInt(now.Add(TTL).Unix(), 10)
	if peerID != "" {
		username += ":" + peerID
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}

// Servers builds the ICE server list for a peer. A nil or url-less config
// yields no servers.
func Servers(cfg *Config, peerID string, now time.Time) []Server {
	if cfg == nil || len(cfg.URLs) == 0 {
		return []Server{}
	}
	username, password := Credentials(cfg.StaticSecret, peerID, now)
	return []Server{{URLs: cfg.URLs, Username: username, Credential: password}}
}
