package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nconghau/avlkv/internal/engine"
	"github.com/nconghau/avlkv/internal/lsm"
)

// set <key> <value>
func handleSet(db *lsm.LSMEngine, rest string) {
	key, value := splitCmdRest(rest)
	if key == "" || value == "" {
		fmt.Println("Usage: set <key> <value>")
		return
	}
	if err := db.Put([]byte(key), []byte(value)); err != nil {
		fmt.Println("Set error:", err)
		return
	}
	fmt.Println("OK")
}

// get <key>
func handleGet(db *lsm.LSMEngine, rest string) {
	if rest == "" {
		fmt.Println("Usage: get <key>")
		return
	}
	value, err := db.Get([]byte(rest))
	if errors.Is(err, engine.ErrKeyNotFound) {
		fmt.Println("(not found)")
		return
	}
	if err != nil {
		fmt.Println("Get error:", err)
		return
	}
	fmt.Println(string(value))
}

// del <key>
func handleDel(db *lsm.LSMEngine, rest string) {
	if rest == "" {
		fmt.Println("Usage: del <key>")
		return
	}
	if err := db.Delete([]byte(rest)); err != nil {
		fmt.Println("Delete error:", err)
		return
	}
	fmt.Println("OK")
}

// keys [limit]
func handleKeys(db *lsm.LSMEngine, rest string) {
	limit := 0
	if rest != "" {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n < 0 {
			fmt.Println("Usage: keys [limit]")
			return
		}
		limit = n
	}

	it, err := db.NewIterator()
	if err != nil {
		fmt.Println("Iterator error:", err)
		return
	}
	defer it.Close()

	count := 0
	for it.Next() {
		if limit > 0 && count >= limit {
			break
		}
		fmt.Println(it.Key())
		count++
	}
	if err := it.Error(); err != nil {
		fmt.Println("Iterator error:", err)
		return
	}
	fmt.Printf("(%d keys)\n", count)
}

func handleCompact(db *lsm.LSMEngine) {
	if err := db.Compact(); err != nil {
		fmt.Println("Compact error:", err)
		return
	}
	fmt.Println("OK")
}

// dump <path>
func handleDump(db *lsm.LSMEngine, rest string) {
	if rest == "" {
		fmt.Println("Usage: dump <path>")
		return
	}
	if err := db.Dump(rest); err != nil {
		fmt.Println("Dump error:", err)
		return
	}
	fmt.Println("OK")
}

// restore <path>
func handleRestore(db *lsm.LSMEngine, rest string) {
	if rest == "" {
		fmt.Println("Usage: restore <path>")
		return
	}
	if err := db.Restore(rest); err != nil {
		fmt.Println("Restore error:", err)
		return
	}
	fmt.Println("OK")
}

func handleStats(db *lsm.LSMEngine) {
	for name, v := range db.Metrics() {
		fmt.Printf("  %-12s %d\n", name, v)
	}
}
