// Package turn issues short-lived ICE server credentials using the TURN REST
// convention: username "<unix expiry>:<identity>", password
// base64(HMAC-SHA1(secret, username)).
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/WatchRoom/internal/domain"
)

type Generator struct {
	STUN   []string
	TURN   []string
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Credentials returns the ICE servers for one identity. Without a TURN url
// or secret only STUN servers are returned.
func (g *Generator) Credentials(user domain.UserID) ([]webrtc.ICEServer, time.Time) {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := g.now().Add(ttl)

	var out []webrtc.ICEServer
	if len(g.STUN) > 0 {
		out = append(out, webrtc.ICEServer{URLs: g.STUN})
	}
	if len(g.TURN) == 0 || g.Secret == "" {
		return out, expires
	}
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + string(user)
	out = append(out, webrtc.ICEServer{
		URLs:       g.TURN,
		Username:   username,
		Credential: Sign(g.Secret, username),
	})
	return out, expires
}

func Sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
