package main

import (
	"fmt"
	"os"

	"github.com/karelmartinek-a11y/kajovo/internal/secretstore"
)

func secretCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	store := secretstore.Open(defaultSecretsPath())
	switch args[0] {
	case "set":
		if len(args) < 3 {
			fatalf("secret set requires a key and a value")
		}
		if err := store.Set(args[1], args[2]); err != nil {
			fatalf("setting secret: %v", err)
		}
		fmt.Printf("stored %s\n", args[1])
	case "get":
		if len(args) < 2 {
			fatalf("secret get requires a key")
		}
		value, ok := store.Get(args[1])
		if !ok {
			fatalf("no value set for %s", args[1])
		}
		fmt.Println(value)
	default:
		usage()
		os.Exit(1)
	}
}
