package manager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/merlos/tunnel/internal/config"
	"github.com/merlos/tunnel/internal/crypto"
	"github.com/merlos/tunnel/internal/forward"
	"github.com/merlos/tunnel/internal/keys"
)

func encodedSecret(t *testing.T, s string) string {
	t.Helper()
	return crypto.EncodeKey([]byte(s))
}

// TestBuildAnnouncementsConsolidatesSharedSecret is scenario 6 from
// spec.md §8: three server specs sharing one secret print exactly one
// public-key line and one client command listing all three (proto,port)
// pairs in input order.
func TestBuildAnnouncementsConsolidatesSharedSecret(t *testing.T) {
	secret := encodedSecret(t, "shared-secret-shared-secret-1234")
	specs := []config.ForwardSpec{
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 7000, Secret: secret},
		{Role: config.RoleServer, Proto: keys.ProtoUDP, RemotePort: 7001, Secret: secret},
		{Role: config.RoleServer, Proto: keys.ProtoTCPOverDatagram, RemotePort: 7002, Secret: secret},
	}

	roots, err := deriveRoots(specs)
	if err != nil {
		t.Fatalf("deriveRoots: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("len(roots) = %d, want 1 for a shared secret", len(roots))
	}

	announcements := buildAnnouncements(specs, roots)
	if len(announcements) != 1 {
		t.Fatalf("len(announcements) = %d, want 1", len(announcements))
	}

	a := announcements[0]
	if len(a.Forwards) != 3 {
		t.Fatalf("len(Forwards) = %d, want 3", len(a.Forwards))
	}
	wantOrder := []keys.Proto{keys.ProtoTCP, keys.ProtoUDP, keys.ProtoTCPOverDatagram}
	for i, e := range a.Forwards {
		if e.Proto != wantOrder[i] {
			t.Errorf("Forwards[%d].Proto = %q, want %q (input order must be preserved)", i, e.Proto, wantOrder[i])
		}
	}

	expectedPub := keys.Base58PublicKey(roots[secret].Public)
	if a.PublicKey != expectedPub {
		t.Errorf("PublicKey = %q, want %q", a.PublicKey, expectedPub)
	}
	if !strings.Contains(a.Command, expectedPub) {
		t.Errorf("Command %q does not contain public key %q", a.Command, expectedPub)
	}
	if !strings.Contains(a.Command, "tcp:7000") || !strings.Contains(a.Command, "udp:7001") || !strings.Contains(a.Command, "tcpudp:7002") {
		t.Errorf("Command %q is missing one of the three forwards", a.Command)
	}
}

// TestBuildAnnouncementsSeparatesDistinctSecrets ensures two server
// specs with different secrets produce two Announcements, each
// reporting only its own forwards.
func TestBuildAnnouncementsSeparatesDistinctSecrets(t *testing.T) {
	secretA := encodedSecret(t, "secret-a-secret-a-secret-a-12345")
	secretB := encodedSecret(t, "secret-b-secret-b-secret-b-12345")
	specs := []config.ForwardSpec{
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 7000, Secret: secretA},
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 8000, Secret: secretB},
	}

	roots, err := deriveRoots(specs)
	if err != nil {
		t.Fatalf("deriveRoots: %v", err)
	}
	announcements := buildAnnouncements(specs, roots)
	if len(announcements) != 2 {
		t.Fatalf("len(announcements) = %d, want 2", len(announcements))
	}
	if announcements[0].PublicKey == announcements[1].PublicKey {
		t.Error("distinct secrets produced the same public key")
	}
}

// TestBuildAnnouncementsIgnoresClientSpecs checks that client entries in
// the spec list never contribute to a server's announcement.
func TestBuildAnnouncementsIgnoresClientSpecs(t *testing.T) {
	secret := encodedSecret(t, "only-server-secret-only-server12")
	specs := []config.ForwardSpec{
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 7000, Secret: secret},
		{Role: config.RoleClient, Proto: keys.ProtoTCP, RemotePort: 7000, LocalPort: 17000, PeerPublicKey: "irrelevant"},
	}

	roots, err := deriveRoots(specs)
	if err != nil {
		t.Fatalf("deriveRoots: %v", err)
	}
	announcements := buildAnnouncements(specs, roots)
	if len(announcements) != 1 {
		t.Fatalf("len(announcements) = %d, want 1", len(announcements))
	}
	if len(announcements[0].Forwards) != 1 {
		t.Errorf("len(Forwards) = %d, want 1 (client spec must not contribute)", len(announcements[0].Forwards))
	}
}

// TestStartRejectsInvalidSpecBeforeStartingAny exercises the ConfigError
// path: a malformed spec anywhere in the list must fail Start without
// touching the shared Node, and without starting any other spec.
func TestStartRejectsInvalidSpecBeforeStartingAny(t *testing.T) {
	m := New(nil, nil, nil)
	specs := []config.ForwardSpec{
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 7000, Secret: encodedSecret(t, "valid-secret-valid-secret-valid")},
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 0, Secret: encodedSecret(t, "valid-secret-valid-secret-valid")}, // zero port: invalid
	}

	err := m.Start(context.Background(), specs)
	if err == nil {
		t.Fatal("Start should reject a spec list containing an invalid spec")
	}
	if !errors.Is(err, forward.ErrConfig) {
		t.Errorf("error = %v, want wrapping forward.ErrConfig", err)
	}
	if len(m.Summary()) != 0 {
		t.Error("Summary should be empty after a failed Start")
	}
}

// TestStartRejectsUndecodableSecret checks that a non-base64 secret on a
// server spec surfaces as a ConfigError before any forwarder starts.
func TestStartRejectsUndecodableSecret(t *testing.T) {
	m := New(nil, nil, nil)
	specs := []config.ForwardSpec{
		{Role: config.RoleServer, Proto: keys.ProtoTCP, RemotePort: 7000, Secret: "not valid base64!!"},
	}

	err := m.Start(context.Background(), specs)
	if err == nil {
		t.Fatal("Start should reject an undecodable secret")
	}
	if !errors.Is(err, forward.ErrConfig) {
		t.Errorf("error = %v, want wrapping forward.ErrConfig", err)
	}
}
