package main

import (
	"crypto/subtle"
	"fmt"
	"syscall"

	"golang.org/x/term"

	vault "github.com/ShadowElf37/vaults"
)

// readPassword reads a password from the terminal without echoing.
func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)

	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()

	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// readPasswordConfirm reads a password twice and ensures they match.
func readPasswordConfirm(prompt string) ([]byte, error) {
	password1, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	defer vault.Zero(password1)

	password2, err := readPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	defer vault.Zero(password2)

	if subtle.ConstantTimeCompare(password1, password2) != 1 {
		return nil, fmt.Errorf("passwords do not match")
	}

	result := make([]byte, len(password1))
	copy(result, password1)
	return result, nil
}
