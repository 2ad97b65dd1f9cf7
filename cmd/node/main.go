// Command node starts a piChain cluster member: it loads its identity
// and configuration, opens the peer transport, wires the Blocktree,
// Paxos engine and patience timer into a consensus.Node, and serves
// the admin JSON-RPC surface until signalled.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tolelom/pichain/config"
	"github.com/tolelom/pichain/consensus"
	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/crypto"
	"github.com/tolelom/pichain/crypto/certgen"
	"github.com/tolelom/pichain/events"
	"github.com/tolelom/pichain/ledger"
	"github.com/tolelom/pichain/rpc"
	"github.com/tolelom/pichain/rtt"
	"github.com/tolelom/pichain/storage"
	"github.com/tolelom/pichain/timer"
	"github.com/tolelom/pichain/transport"
	"github.com/tolelom/pichain/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "identity.key", "path to transport identity keystore file")
	genKey := flag.Bool("genkey", false, "generate a new transport identity key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	memDB := flag.Bool("memdb", false, "use an in-memory ledger store instead of LevelDB")
	flag.Parse()

	password := os.Getenv("PICHAIN_PASSWORD")
	if password == "" {
		log.Println("WARNING: PICHAIN_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated transport identity key. Saved to: %s\n", *keyPath)
		return
	}

	if *genCerts != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		nodeName := fmt.Sprintf("node%d", cfg.NodeID)
		if err := certgen.GenerateAll(*genCerts, nodeName, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for %s\n", *genCerts, nodeName)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if _, err := loadOrCreateIdentity(*keyPath, password); err != nil {
		log.Fatalf("identity key: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	// ---- ledger store ----
	var db storage.DB
	if *memDB {
		db = storage.NewMemDB()
	} else {
		levelDB, err := storage.NewLevelDB(cfg.DataDir + "/ledger")
		if err != nil {
			log.Fatalf("open ledger db: %v", err)
		}
		defer levelDB.Close()
		db = levelDB
	}

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for cluster transport")
	}

	// ---- RTT + transport ----
	estimator := rtt.NewEstimator()
	nodeID := core.NodeID(cfg.NodeID)
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	tp := transport.New(nodeID, p2pAddr, tlsCfg, estimator)

	// ---- events + ledger ----
	emitter := events.NewEmitter()
	led := ledger.New(db, emitter)

	// ---- consensus ----
	n := cfg.ClusterSize()
	patience := timer.New(n, cfg.Epsilon, estimator, rand.New(rand.NewSource(time.Now().UnixNano())))
	node := consensus.New(nodeID, n, patience, tp, emitter)
	if cfg.QuickID != nil && *cfg.QuickID == cfg.NodeID {
		node.SetRole(core.QUICK)
		log.Printf("Node %d starting as QUICK", cfg.NodeID)
	}
	tp.SetReceiver(node)

	if err := tp.Start(); err != nil {
		log.Fatalf("transport start: %v", err)
	}
	defer tp.Stop()
	log.Printf("Transport listening on %s", p2pAddr)

	for _, peer := range cfg.Peers {
		if err := tp.AddPeer(core.NodeID(peer.ID), peer.Addr); err != nil {
			log.Printf("peer %d (%s): %v", peer.ID, peer.Addr, err)
			continue
		}
		log.Printf("Connected to peer %d (%s)", peer.ID, peer.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(node, tp, led, nodeID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	// Deferred calls run in LIFO: rpcServer.Stop → tp.Stop → db.Close
}

// loadOrCreateIdentity loads the node's transport identity keystore,
// generating and persisting a fresh one on first run. The TLS layer
// does not use this key (-gencerts creates its own ECDSA keys), and
// cmd/node itself never inspects it.
func loadOrCreateIdentity(path, password string) (crypto.PrivateKey, error) {
	priv, err := wallet.LoadKey(path, password)
	if err == nil {
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	priv, _, err = crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := wallet.SaveKey(path, password, priv); err != nil {
		return nil, err
	}
	log.Printf("Generated new transport identity key at %s", path)
	return priv, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
