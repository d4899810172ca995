package exchange

import (
	"context"
	"testing"
	"time"

	"tickflow/internal/config"
)

func testRegistryConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		MasterKey:      "test-master",
		AdapterTTL:     time.Minute,
		RequestTimeout: 5 * time.Second,
		Binance: config.BinanceConfig{
			BaseURL:        "https://example.invalid",
			WSURL:          "wss://example.invalid/stream",
			TestnetBaseURL: "https://testnet.invalid",
			TestnetWSURL:   "wss://testnet.invalid/stream",
		},
	}
}

func sealedCredential(t *testing.T, s *Sealer) *Credential {
	t.Helper()
	key, err := s.Seal("k")
	if err != nil {
		t.Fatal(err)
	}
	secret, err := s.Seal("s")
	if err != nil {
		t.Fatal(err)
	}
	return &Credential{
		ID: 1, UserID: 10, Exchange: "binance", Active: true,
		SealedKey: key, SealedSecret: secret,
	}
}

func TestRegistryRequiresMasterKeyOutsideDryRun(t *testing.T) {
	t.Parallel()
	cfg := testRegistryConfig()
	cfg.MasterKey = ""
	if _, err := NewRegistry(cfg, false, testLogger()); err == nil {
		t.Error("live mode without a master key should fail")
	}
	if _, err := NewRegistry(cfg, true, testLogger()); err != nil {
		t.Errorf("dry-run without a master key should work, got %v", err)
	}
}

func TestRegistryPublicIsCached(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(testRegistryConfig(), false, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	a, err := r.Public("binance")
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	b, _ := r.Public("binance")
	if a != b {
		t.Error("public adapter should be cached per venue")
	}
	if a.Name() != "binance" {
		t.Errorf("adapter name = %q, want binance", a.Name())
	}
}

func TestRegistryUnknownExchange(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(testRegistryConfig(), false, testLogger())
	defer r.Close()

	if _, err := r.Public("hyperliquid"); !IsFatal(err) {
		t.Errorf("unknown venue should be fatal, got %v", err)
	}
}

func TestRegistryDryRunRoutesToPaper(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(testRegistryConfig(), true, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	cred := sealedCredential(t, r.sealer)
	a, err := r.ForCredential(context.Background(), cred)
	if err != nil {
		t.Fatalf("ForCredential: %v", err)
	}
	if a != Adapter(r.Paper()) {
		t.Error("dry-run should serve the shared paper adapter")
	}
}

func TestRegistryForCredential(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(testRegistryConfig(), false, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	cred := sealedCredential(t, r.sealer)
	a, err := r.ForCredential(context.Background(), cred)
	if err != nil {
		t.Fatalf("ForCredential: %v", err)
	}
	b, _ := r.ForCredential(context.Background(), cred)
	if a != b {
		t.Error("adapter should be cached inside the TTL")
	}
}

func TestRegistryRebuildsOnExpiry(t *testing.T) {
	t.Parallel()
	cfg := testRegistryConfig()
	cfg.AdapterTTL = 10 * time.Millisecond
	r, err := NewRegistry(cfg, false, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	cred := sealedCredential(t, r.sealer)
	a, _ := r.ForCredential(context.Background(), cred)
	time.Sleep(25 * time.Millisecond)
	b, err := r.ForCredential(context.Background(), cred)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("expired entry should be rebuilt")
	}
}

func TestRegistryRejectsDisabledCredential(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(testRegistryConfig(), false, testLogger())
	defer r.Close()

	cred := sealedCredential(t, r.sealer)
	cred.Active = false
	if _, err := r.ForCredential(context.Background(), cred); !IsAuth(err) {
		t.Errorf("disabled credential should be auth error, got %v", err)
	}
}

func TestRegistryCorruptCredential(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry(testRegistryConfig(), false, testLogger())
	defer r.Close()

	cred := &Credential{
		ID: 9, Exchange: "binance", Active: true,
		SealedKey: []byte("junk"), SealedSecret: []byte("junk"),
	}
	if _, err := r.ForCredential(context.Background(), cred); !IsAuth(err) {
		t.Errorf("undecryptable credential should be auth error, got %v", err)
	}
}
