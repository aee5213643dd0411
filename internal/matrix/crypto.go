// ABOUTME: End-to-end encryption setup for the Matrix bot
// ABOUTME: Wires the mautrix crypto helper with a SQLite store and optional recovery key

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"

	"github.com/2389/iris/internal/config"
)

// enableEncryption attaches a crypto helper to client so events in encrypted
// rooms are decrypted on sync and replies are encrypted on send. The caller
// closes the returned helper.
func enableEncryption(ctx context.Context, client *mautrix.Client, cfg config.EncryptionConfig, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0700); err != nil {
		return nil, fmt.Errorf("creating crypto directory: %w", err)
	}

	stale, err := storeOwnedByOtherDevice(cfg.DatabasePath, client.DeviceID.String())
	if err != nil {
		logger.Debug("could not inspect crypto store", "error", err)
	}
	if stale {
		logger.Warn("crypto store belongs to another device, starting fresh", "db", cfg.DatabasePath)
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(cfg.DatabasePath + suffix); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing stale crypto store: %w", err)
			}
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, pickleKey(cfg.PickleKey, client.UserID.String()), cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if cfg.RecoveryKey == "" {
		logger.Info("encryption enabled", "device_id", client.DeviceID, "cross_signing", false)
		return helper, nil
	}
	if machine := helper.Machine(); machine == nil {
		logger.Warn("crypto machine missing, skipping recovery key verification")
	} else if err := machine.VerifyWithRecoveryKey(ctx, cfg.RecoveryKey); err != nil {
		logger.Warn("recovery key verification failed", "error", err)
	} else {
		logger.Info("encryption enabled", "device_id", client.DeviceID, "cross_signing", true)
	}
	return helper, nil
}

// pickleKey returns the configured key, or one derived from the user id so
// restarts can reopen the same store without extra configuration.
func pickleKey(configured, userID string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	sum := sha256.Sum256([]byte("iris-matrix-crypto:" + userID))
	return sum[:]
}

// storeOwnedByOtherDevice reports whether the crypto store at path was
// created for a device other than deviceID. Keys in such a store cannot
// decrypt anything sent to this device.
func storeOwnedByOtherDevice(path, deviceID string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	return stored != deviceID, nil
}
