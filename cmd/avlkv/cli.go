package main

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"

	"github.com/nconghau/avlkv/internal/lsm"
)

// RunCLI runs the interactive shell.
func RunCLI(db *lsm.LSMEngine, rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl+D / Ctrl+C / EOF
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, rest := splitCmdRest(line)
		switch strings.ToLower(cmd) {
		case "set":
			handleSet(db, rest)
		case "get":
			handleGet(db, rest)
		case "del":
			handleDel(db, rest)
		case "keys":
			handleKeys(db, rest)
		case "compact":
			handleCompact(db)
		case "dump":
			handleDump(db, rest)
		case "restore":
			handleRestore(db, rest)
		case "stats":
			handleStats(db)
		case "exit", "quit":
			fmt.Println("Bye!")
			return
		default:
			fmt.Println("Unknown command:", cmd)
		}
	}
}

// splitCmdRest extracts the command (first token) and the rest of the line.
func splitCmdRest(line string) (cmd, rest string) {
	for i, r := range line {
		if r == ' ' || r == '\t' {
			return line[:i], strings.TrimSpace(line[i+1:])
		}
	}
	return line, ""
}
