package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultDataDir = "data"
	pairingDirName = "pairing"
	ledgerDirName  = "ledger"
)

// DataDir resolves the state root from configuration, expanding a leading ~.
func DataDir() string {
	dir := strings.TrimSpace(viper.GetString("data_dir"))
	if dir == "" {
		dir = defaultDataDir
	}
	return expandHomePath(dir)
}

// PairingDir is where the broker snapshot document lives.
func PairingDir() string {
	return filepath.Join(DataDir(), pairingDirName)
}

// LedgerDir is the pebble database directory for the message ledger.
func LedgerDir() string {
	return filepath.Join(DataDir(), ledgerDirName)
}

func expandHomePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(path)
}
