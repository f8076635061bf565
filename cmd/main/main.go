package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ouro/app"
	"ouro/config"
)

func main() {
	configPath := flag.String("config", "config/node.json", "节点配置文件（JSON，缺省值叠加在默认配置上）")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 私钥来源：配置 > 环境变量 > 现场生成（仅限试跑）
	if cfg.Node.PrivateKeyHex == "" {
		cfg.Node.PrivateKeyHex = os.Getenv("OURO_PRIVATE_KEY")
	}
	if cfg.Node.PrivateKeyHex == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			fmt.Printf("❌ Failed to generate node key: %v\n", err)
			os.Exit(1)
		}
		cfg.Node.PrivateKeyHex = hex.EncodeToString(seed)
		fmt.Println("⚠️  No private key configured, generated an ephemeral one (state won't survive a key change)")
	}

	node, err := app.New(cfg)
	if err != nil {
		fmt.Printf("❌ Failed to assemble node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		fmt.Printf("❌ Failed to start node: %v\n", err)
		node.Stop()
		os.Exit(1)
	}
	fmt.Printf("🚀 Node %s up, listening on %s (role=%s)\n",
		node.KM.Address(), cfg.Node.ListenAddr, cfg.Node.Role)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\n🛑 Received %s, shutting down...\n", sig)
	node.Stop()
	fmt.Println("✔ Bye")
}
