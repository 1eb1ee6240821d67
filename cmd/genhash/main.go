package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	password := "StockSim@2026"
	if len(os.Args) > 1 {
		password = os.Args[1]
	}
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	fmt.Printf("Password: %s\nHash: %s\n", password, string(hash))
}
