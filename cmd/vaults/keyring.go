package main

import (
	"path/filepath"

	"github.com/zalando/go-keyring"
)

const keyringService = "vaults"

// keyringID keys cached passwords by the container's absolute path, so two
// vaults with the same base name do not collide.
func keyringID(vaultPath string) string {
	abs, err := filepath.Abs(vaultPath)
	if err != nil {
		return vaultPath
	}
	return abs
}

func keyringGet(vaultPath string) ([]byte, error) {
	password, err := keyring.Get(keyringService, keyringID(vaultPath))
	if err != nil {
		return nil, err
	}
	return []byte(password), nil
}

func keyringSet(vaultPath string, password []byte) error {
	return keyring.Set(keyringService, keyringID(vaultPath), string(password))
}

func keyringDelete(vaultPath string) {
	// Best effort; a missing entry is not an error worth surfacing.
	_ = keyring.Delete(keyringService, keyringID(vaultPath))
}
