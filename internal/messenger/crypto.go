// ABOUTME: Optional end-to-end encryption for the Matrix adapter
// ABOUTME: Sets up a mautrix cryptohelper store and verifies the device with a recovery key

package messenger

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
)

// setupCrypto enables E2EE on the client. The crypto database lives in cfg.DataDir
// and is reset when it belongs to a different device than the current login.
// Recovery-key verification failures are logged; encryption still works without cross-signing.
func setupCrypto(ctx context.Context, client *mautrix.Client, cfg MatrixConfig, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(cfg.UserID)))
	logger.Info("setting up encryption", "db", dbPath)

	if mismatch, err := deviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if mismatch {
		logger.Warn("device ID mismatch, resetting crypto database")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing old crypto database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(cfg.UserID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if machine := helper.Machine(); machine == nil {
		logger.Warn("crypto machine not initialized, skipping recovery key")
	} else if err := machine.VerifyWithRecoveryKey(ctx, cfg.RecoveryKey); err != nil {
		logger.Warn("failed to verify with recovery key", "error", err)
	} else {
		logger.Info("encryption initialized with cross-signing verification")
	}

	return helper, nil
}

// deviceIDMismatch reports whether an existing crypto database was created for another device.
func deviceIDMismatch(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @desk:matrix.org -> desk_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'),
			c == '.', c == '-', c == '_':
			out = append(out, c)
		case c == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}

// storeKey derives the crypto store pickle key from the bot's user ID.
func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("coven-desk-crypto:" + userID))
	return h[:]
}
