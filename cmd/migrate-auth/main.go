// Command migrate-auth encrypts the single stored chat AuthMaterial row
// at rest.
//
// It opens the Store with ENCRYPTION_KEY set, reads the current row (which
// transparently decrypts if it was already encrypted), and writes it back
// unchanged -- forcing the write path to encrypt it if it wasn't already.
// The operation is idempotent: running it against an already-encrypted row
// re-encrypts the same plaintext.
//
// Usage:
//
//	migrate-auth [--dry-run]
//
// Environment Variables:
//
//	STORE_BACKEND: sqlite | postgres (default: sqlite)
//	SQLITE_PATH: path to the sqlite database (when STORE_BACKEND=sqlite)
//	DB_DSN: postgres connection string (when STORE_BACKEND=postgres)
//	ENCRYPTION_KEY: base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clank-bot/clank/store"
)

var dryRun bool

var rootCmd = &cobra.Command{
	Use:   "migrate-auth",
	Short: "Re-encrypt the stored chat auth material at rest",
	RunE:  runMigrate,
}

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report status without writing")
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("migrate-auth failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return errMissingEncryptionKey
	}

	ctx := context.Background()
	st, err := openStore(ctx, encryptionKey)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to close store", slog.Any("err", err))
		}
	}()

	auth, ok, err := st.GetAuth(ctx)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("no auth material present; nothing to migrate")
		return nil
	}

	if dryRun {
		slog.Info("would re-encrypt auth material at rest (dry-run)", slog.String("bot_username", auth.BotUsername))
		return nil
	}

	if err := st.PutAuth(ctx, auth); err != nil {
		return err
	}
	slog.Info("auth material encrypted at rest", slog.String("bot_username", auth.BotUsername))
	return nil
}

const errMissingEncryptionKey = errString("ENCRYPTION_KEY environment variable is required for migration")

type errString string

func (e errString) Error() string { return string(e) }

func openStore(ctx context.Context, encryptionKey string) (store.Store, error) {
	backend := strings.ToLower(os.Getenv("STORE_BACKEND"))
	switch backend {
	case "postgres":
		return store.OpenPostgres(ctx, os.Getenv("DB_DSN"), encryptionKey)
	case "sqlite", "":
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "clank.db"
		}
		return store.OpenSQLite(ctx, path, encryptionKey)
	default:
		return nil, errUnknownBackend(backend)
	}
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string {
	return "unknown STORE_BACKEND: " + string(e)
}
