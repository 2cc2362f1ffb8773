package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	ChainID uint64
	DataDir string
	// MinBlockTime throttles block production so an idle single-node devnet
	// does not spin out empty blocks.
	//
	// Recommended values:
	//   - Devnet:  200ms
	//   - Testnet: 100ms
	MinBlockTime time.Duration
}

// Chain configures the block attestation key. The seed is only suitable for
// development networks.
type Chain struct {
	AttestationSeed string
}

// Settlement holds engine policy.
type Settlement struct {
	// MaxLegs bounds the number of legs a single instruction may carry.
	MaxLegs int

	// AutoAffirmReceipts is the default flag given to newly created portfolios.
	// A party whose portfolios only receive in an instruction, and all carry
	// the flag, is counted as affirmed at creation.
	AutoAffirmReceipts bool

	// RescheduleUnaffirmed pushes an at-block instruction that is not ready at
	// its block forward by RescheduleDelay blocks instead of failing it, at
	// most MaxReschedules times.
	RescheduleUnaffirmed bool
	RescheduleDelay      uint64
	MaxReschedules       int
}

// Compliance seeds the node's built-in rule oracle.
type Compliance struct {
	// DenyList holds identities (hex addresses) barred from sending or receiving.
	DenyList []string
	// MaxTransfer caps a single leg per asset, as "TICKER:amount" pairs.
	MaxTransfer []string
}

type API struct {
	Addr           string
	AllowedOrigins []string
	TxLogFile      string
}

type P2P struct {
	Enabled    bool
	ListenAddr string
	Bootstrap  []string
}

type Log struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Verbose    bool
}

type Config struct {
	Node       Node
	Chain      Chain
	Settlement Settlement
	Compliance Compliance
	API        API
	P2P        P2P
	Log        Log
}

func Default() Config {
	return Config{
		Node: Node{
			ChainID:      1337,
			DataDir:      "data",
			MinBlockTime: 200 * time.Millisecond, // Devnet default: prevent log spam
		},
		Chain: Chain{
			AttestationSeed: "hypersettle-devnet-attestation-seed-0001",
		},
		Settlement: Settlement{
			MaxLegs:              10,
			AutoAffirmReceipts:   false,
			RescheduleUnaffirmed: false,
			RescheduleDelay:      10,
			MaxReschedules:       3,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			TxLogFile:      "data/transactions.log",
		},
		P2P: P2P{
			Enabled:    false,
			ListenAddr: "/ip4/0.0.0.0/tcp/4001",
		},
		Log: Log{
			File:       "data/node.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.ChainID = getUint(os.Getenv("NODE_CHAIN_ID"), cfg.Node.ChainID)
	cfg.Node.DataDir = getEnv("NODE_DATA_DIR", cfg.Node.DataDir)
	if minBlock := os.Getenv("NODE_MIN_BLOCK_TIME_MS"); minBlock != "" {
		if ms, err := strconv.Atoi(minBlock); err == nil {
			cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Chain.AttestationSeed = getEnv("CHAIN_ATTESTATION_SEED", cfg.Chain.AttestationSeed)

	if maxLegs := os.Getenv("SETTLEMENT_MAX_LEGS"); maxLegs != "" {
		if n, err := strconv.Atoi(maxLegs); err == nil && n > 0 {
			cfg.Settlement.MaxLegs = n
		}
	}
	cfg.Settlement.AutoAffirmReceipts = getBool(os.Getenv("SETTLEMENT_AUTO_AFFIRM_RECEIPTS"), cfg.Settlement.AutoAffirmReceipts)
	cfg.Settlement.RescheduleUnaffirmed = getBool(os.Getenv("SETTLEMENT_RESCHEDULE_UNAFFIRMED"), cfg.Settlement.RescheduleUnaffirmed)
	cfg.Settlement.RescheduleDelay = getUint(os.Getenv("SETTLEMENT_RESCHEDULE_DELAY"), cfg.Settlement.RescheduleDelay)
	if maxRes := os.Getenv("SETTLEMENT_MAX_RESCHEDULES"); maxRes != "" {
		if n, err := strconv.Atoi(maxRes); err == nil && n >= 0 {
			cfg.Settlement.MaxReschedules = n
		}
	}

	if denied := os.Getenv("COMPLIANCE_DENY_LIST"); denied != "" {
		cfg.Compliance.DenyList = splitList(denied)
	}
	// Example: "ACME:1000000,BOND-A:5000"
	if caps := os.Getenv("COMPLIANCE_MAX_TRANSFER"); caps != "" {
		cfg.Compliance.MaxTransfer = splitList(caps)
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.TxLogFile = getEnv("TX_LOG_FILE", cfg.API.TxLogFile)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.P2P.Enabled = getBool(os.Getenv("P2P_ENABLED"), cfg.P2P.Enabled)
	cfg.P2P.ListenAddr = getEnv("LISTEN", cfg.P2P.ListenAddr)
	// Example: "/ip4/10.0.0.2/tcp/4001/p2p/12D3Koo...,/ip4/10.0.0.3/tcp/4001/p2p/12D3Koo..."
	if peers := os.Getenv("P2P_BOOTSTRAP"); peers != "" {
		cfg.P2P.Bootstrap = splitList(peers)
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Verbose = getBool(os.Getenv("VERBOSE"), cfg.Log.Verbose)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func getUint(raw string, def uint64) uint64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
