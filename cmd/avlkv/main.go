package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/chzyer/readline"

	"github.com/nconghau/avlkv/internal/config"
	"github.com/nconghau/avlkv/internal/lsm"
)

const (
	ColorReset  = "\033[0m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dataDir := flag.String("data", "", "storage directory (overrides config)")
	flag.Parse()

	// Structured JSON logging, same sink the storage core uses.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	db, err := lsm.Open(cfg.DataDir, cfg.Options())
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Store close error", "error", err)
		}
	}()

	printUsage()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ColorYellow + "> " + ColorReset,
		HistoryFile:     "/tmp/avlkv.history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("set"),
			readline.PcItem("get"),
			readline.PcItem("del"),
			readline.PcItem("keys"),
			readline.PcItem("compact"),
			readline.PcItem("dump"),
			readline.PcItem("restore"),
			readline.PcItem("stats"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer rl.Close()

	RunCLI(db, rl)
}

func printUsage() {
	fmt.Println(ColorYellow + "\navlkv - embedded LSM key-value store" + ColorReset)
	fmt.Println(ColorCyan + " Commands:" + ColorReset)
	fmt.Println("  set <key> <value>   store a value")
	fmt.Println("  get <key>           read a value")
	fmt.Println("  del <key>           delete a key")
	fmt.Println("  keys [limit]        list live keys")
	fmt.Println("  compact             merge sorted files")
	fmt.Println("  dump <path>         export live data as JSON lines")
	fmt.Println("  restore <path>      import a dump")
	fmt.Println("  stats               operation counters")
	fmt.Println("  exit")
}
