package ouroborosstream

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// setupTestEngine creates an engine with quiet logging and the given
// config tweaks applied on top of test defaults.
func setupTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	config := &Config{
		Compression: wire.CompressionNone,
		Logger:      logger,
	}
	if mutate != nil {
		mutate(config)
	}

	engine, err := New(testMasterKey(), config)
	if err != nil {
		t.Fatalf("Failed to initialize engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

// pseudorandomBytes returns a deterministic pseudorandom payload.
func pseudorandomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	r.Read(out)
	return out
}

func TestNewRejectsBadMasterKey(t *testing.T) {
	if _, err := New([]byte("too-short"), &Config{Logger: logrus.New()}); err == nil {
		t.Fatal("New accepted a bad master key length")
	}
}

func TestNewDefaultsConfig(t *testing.T) {
	engine := setupTestEngine(t, nil)
	if engine.config.CipherSuite != wire.CipherChaCha20Poly1305 {
		t.Fatalf("Default cipher is 0x%04x", engine.config.CipherSuite)
	}
	if engine.config.PRF != wire.PRFSha256 {
		t.Fatalf("Default PRF is 0x%04x", engine.config.PRF)
	}
	if engine.config.ChunkSize != wire.DefaultChunkSize {
		t.Fatalf("Default chunk size is %d", engine.config.ChunkSize)
	}
	if engine.config.DigestAlg != wire.DigestSha256 {
		t.Fatalf("Default digest alg is 0x%04x", engine.config.DigestAlg)
	}
	if engine.config.HardCap != 64 {
		t.Fatalf("Default hard cap is %d", engine.config.HardCap)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown cipher", func(c *Config) { c.CipherSuite = 0x7777 }},
		{"unknown prf", func(c *Config) { c.PRF = 0x7777 }},
		{"aes with blake3", func(c *Config) { c.CipherSuite = wire.CipherAES256GCM; c.PRF = wire.PRFBlake3 }},
		{"unknown compression", func(c *Config) { c.Compression = 0x7777 }},
		{"unknown digest", func(c *Config) { c.DigestAlg = 0x7777 }},
		{"chunk size not allowed", func(c *Config) { c.ChunkSize = 12345 }},
		{"frame larger than chunk", func(c *Config) { c.ChunkSize = 16 * 1024; c.FrameSize = 32 * 1024 }},
		{"unknown strategy", func(c *Config) { c.Strategy = 0x7777 }},
		{"mem fraction above one", func(c *Config) { c.MemFraction = 1.5 }},
		{"negative hard cap", func(c *Config) { c.HardCap = -3 }},
		{"oversized dictionary", func(c *Config) { c.Dictionary = make([]byte, MaxDictLen+1) }},
	}
	for _, tc := range cases {
		config := &Config{Logger: logrus.New()}
		tc.mutate(config)
		if _, err := New(testMasterKey(), config); err == nil {
			t.Errorf("New accepted config with %s", tc.name)
		}
	}
}

func TestEngineCounters(t *testing.T) {
	engine := setupTestEngine(t, nil)

	var container bytes.Buffer
	if _, err := engine.Encrypt(bytes.NewReader([]byte("counter test")), &container); err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	var out bytes.Buffer
	if _, err := engine.Decrypt(bytes.NewReader(container.Bytes()), &out); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	enc, dec := engine.Counters()
	if enc != 1 || dec != 1 {
		t.Fatalf("Counters are (%d, %d), want (1, 1)", enc, dec)
	}
}
