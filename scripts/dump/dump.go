package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Dumps the sync cursor store for debugging. Cursor keys look like
// syncer:<chainId>:<token> and values are two big-endian uint64s
// (last scanned block, last confirmed block).
func main() {
	dbPath := flag.String("db", "./db/badger", "Path to the Badger directory")
	outputMode := flag.String("o", "console", "Output mode: 'console' or 'file'")
	outputFile := flag.String("f", "dump.txt", "Output file (if mode is 'file')")
	flag.Parse()

	var out *os.File
	var err error

	if *outputMode == "file" {
		out, err = os.Create(*outputFile)
		if err != nil {
			log.Fatalf("Failed to create output file: %v", err)
		}
		defer out.Close()
	} else {
		out = os.Stdout
	}

	db, err := badger.Open(badger.DefaultOptions(*dbPath).WithReadOnly(true))
	if err != nil {
		log.Fatalf("Failed to open BadgerDB: %v", err)
	}
	defer db.Close()

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			keyStr := string(item.Key())

			err := item.Value(func(val []byte) error {
				fmt.Fprintf(out, "Key: %s\n", keyStr)

				if strings.HasPrefix(keyStr, "syncer:") && len(val) == 16 {
					fmt.Fprintf(out, "  Last Scanned Block:   %d\n", binary.BigEndian.Uint64(val[:8]))
					fmt.Fprintf(out, "  Last Confirmed Block: %d\n", binary.BigEndian.Uint64(val[8:]))
				} else {
					fmt.Fprintf(out, "  Value (Hex): %s\n", hex.EncodeToString(val))
				}
				fmt.Fprintln(out, "-------------------------")
				return nil
			})
			if err != nil {
				fmt.Fprintf(out, "  [ERROR] Could not read value: %v\n", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Error while iterating: %v", err)
	}

	fmt.Println("Dump complete.")
}
