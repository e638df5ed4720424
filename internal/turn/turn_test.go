package turn

import (
	"strings"
	"testing"
	"time"
)

func TestCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := &Generator{
		STUN:   []string{"stun:stun.example.org:3478"},
		TURN:   []string{"turn:turn.example.org:3478?transport=udp"},
		Secret: "s3cret",
		TTL:    10 * time.Minute,
		Now:    func() time.Time { return now },
	}
	servers, exp := g.Credentials("alice")
	if len(servers) != 2 {
		t.Fatalf("servers = %+v", servers)
	}
	if !exp.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("expiry = %v", exp)
	}
	turn := servers[1]
	if turn.Username != "1700000600:alice" {
		t.Errorf("username = %q", turn.Username)
	}
	if cred, _ := turn.Credential.(string); cred != Sign("s3cret", turn.Username) || cred == "" {
		t.Errorf("credential = %v", turn.Credential)
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Error("stun entries carry no credentials")
	}
}

func TestStunOnlyWithoutSecret(t *testing.T) {
	g := &Generator{STUN: []string{"stun:a"}, TURN: []string{"turn:b"}}
	servers, _ := g.Credentials("bob")
	if len(servers) != 1 || !strings.HasPrefix(servers[0].URLs[0], "stun:") {
		t.Errorf("servers = %+v", servers)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	if Sign("k", "u") != Sign("k", "u") || Sign("k", "u") == Sign("k2", "u") {
		t.Error("signature must depend only on secret and username")
	}
}
