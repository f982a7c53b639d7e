package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	username, password := Credentials("s3cret", "peer-1", now)

	assert.Equal(t, "1700086400:peer-1", username)

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), password)
}

func TestCredentialsWithoutPeerID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	username, _ := Credentials("s3cret", "", now)
	assert.Equal(t, "1700086400", username)
}

func TestCredentialsAreFreshPerCall(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	u1, p1 := Credentials("s3cret", "peer-1", now)
	u2, p2 := Credentials("s3cret", "peer-1", now.Add(time.Second))
	assert.NotEqual(t, u1, u2)
	assert.NotEqual(t, p1, p2)
}

func TestServers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	assert.Empty(t, Servers(nil, "p", now))
	assert.Empty(t, Servers(&Config{StaticSecret: "x"}, "p", now))

	servers := Servers(&Config{URLs: []string{"turn:turn.example.org:3478"}, StaticSecret: "x"}, "p", now)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, servers[0].URLs)
	assert.Equal(t, "1700086400:p", servers[0].Username)
	assert.NotEmpty(t, servers[0].Credential)
}
