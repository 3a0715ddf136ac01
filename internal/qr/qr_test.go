package qr_test

import (
	"testing"

	"github.com/merlos/tunnel/internal/qr"
)

func TestGeneratePrintsASCIIWhenNoOutputPath(t *testing.T) {
	profile := &qr.Profile{
		PeerPublicKey: "3yZe7d4curUHf4cewJWeY8JNTz1x9Gu1Zw8QxX6m5Kx",
		Forwards: []qr.ForwardEntry{
			{Proto: "tcp", Port: 7000},
			{Proto: "udp", Port: 7001},
		},
	}
	if err := qr.Generate(profile, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestGenerateWritesPNGFile(t *testing.T) {
	profile := &qr.Profile{PeerPublicKey: "3yZe7d4curUHf4cewJWeY8JNTz1x9Gu1Zw8QxX6m5Kx"}
	path := t.TempDir() + "/profile.png"
	if err := qr.Generate(profile, &qr.GenerateOptions{OutputPath: path}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}
