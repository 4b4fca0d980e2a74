package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emilioale04/steam-clone-sub003/internal/keycodec"
)

// keycheck validates license keys given as arguments (or one per line on
// stdin) and exits 1 when any of them is invalid. With -generate it prints
// fresh keys for a product instead.
func main() {
	product := flag.String("generate", "", "generate keys for this product id instead of validating")
	count := flag.Int("n", 1, "number of keys to generate (1-5)")
	flag.Parse()

	if *product != "" {
		keys, err := keycodec.GenerateMany(*product, *count)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keycheck: %v\n", err)
			os.Exit(2)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return
	}

	inputs := flag.Args()
	if len(inputs) == 0 {
		var err error
		inputs, err = readLines(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "keycheck: %v\n", err)
			os.Exit(2)
		}
	}

	if !check(os.Stdout, inputs) {
		os.Exit(1)
	}
}

// check prints one verdict per key and reports whether all were valid.
func check(w io.Writer, keys []string) bool {
	ok := true
	for _, k := range keys {
		if keycodec.IsValidKey(k) {
			fmt.Fprintf(w, "valid\t%s\n", keycodec.Format(keycodec.Normalize(k)))
			continue
		}
		ok = false
		fmt.Fprintf(w, "invalid\t%s\n", k)
	}
	return ok
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
