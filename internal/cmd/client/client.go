// Package client implements the command line client: a local bookmark store
// under a data directory, synced against a bookmark-sync server.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/migrate"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	clientsync "github.com/chirino/bookmark-sync/internal/client/sync"
	"github.com/chirino/bookmark-sync/internal/client/vault"
	"github.com/chirino/bookmark-sync/internal/model"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// Command returns the client sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Manage and sync a local bookmark collection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Sources: cli.EnvVars("BOOKMARK_SYNC_SERVER_URL"),
				Usage:   "Base URL of the sync server",
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "token",
				Sources: cli.EnvVars("BOOKMARK_SYNC_TOKEN"),
				Usage:   "Bearer token presented to the server",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Sources: cli.EnvVars("BOOKMARK_SYNC_DATA_DIR"),
				Usage:   "Directory for local state (default: ~/.bookmark-sync)",
			},
		},
		Commands: []*cli.Command{
			addCommand(),
			listCommand(),
			rmCommand(),
			syncCommand(),
			statusCommand(),
			vaultCommand(),
		},
	}
}

// session is the wired client stack for one command invocation.
type session struct {
	blobs  *blob.FileStore
	store  *records.Store
	box    *outbox.Outbox
	client *api.Client
	engine *clientsync.Engine
	orch   *clientsync.Orchestrator
	vault  *vault.Manager
}

func openSession(cmd *cli.Command) (*session, error) {
	dir := cmd.String("data-dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		dir = filepath.Join(home, ".bookmark-sync")
	}
	blobs, err := blob.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	store, err := records.NewStore(blobs)
	if err != nil {
		_ = blobs.Close()
		return nil, err
	}
	if err := store.EnsurePersonalSpace(); err != nil {
		_ = store.Close()
		return nil, err
	}

	box := outbox.New(blobs, false)
	client := api.New(cmd.String("server-url"), cmd.String("token"))
	engine := clientsync.NewEngine(client, box, clientsync.RecordsReplica{Store: store}, false,
		clientsync.WithChecksumSink(store))
	orch := clientsync.NewOrchestrator(engine, client, store, blobs)
	cstore := vault.NewCipherStore(blobs)

	store.OnMutate(func(m records.Mutation) {
		err := box.Enqueue(outbox.Entry{
			RecordID:    m.RecordID,
			RecordType:  m.RecordType,
			Data:        m.Data,
			BaseVersion: m.BaseVersion,
			Deleted:     m.Deleted,
		})
		if err != nil {
			log.Warn("Failed to queue change for sync", "record", m.RecordID, "err", err)
		}
	})

	return &session{
		blobs:  blobs,
		store:  store,
		box:    box,
		client: client,
		engine: engine,
		orch:   orch,
		vault:  vault.NewManager(client, store, cstore, blobs),
	}, nil
}

func (s *session) close() {
	s.orch.Stop()
	if err := s.store.Close(); err != nil {
		log.Warn("Failed to close local store", "err", err)
	}
}

// pushIfOnline drains the outbox, tolerating an unreachable server. Queued
// changes survive locally and go out on the next sync.
func (s *session) pushIfOnline(ctx context.Context) {
	res, err := s.orch.Push(ctx)
	if err != nil {
		log.Warn("Push deferred, changes remain queued", "err", err)
		return
	}
	for _, c := range res.Conflicts {
		log.Warn("Conflict detected", "record", c.RecordID, "type", c.RecordType,
			"localVersion", c.LocalVersion, "serverVersion", c.ServerVersion)
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Add a bookmark",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Usage: "Bookmark title (defaults to the URL host)"},
			&cli.StringSliceFlag{Name: "tag", Usage: "Tag, repeatable"},
			&cli.StringFlag{Name: "space", Usage: "Space id", Value: model.PersonalSpaceID},
			&cli.StringFlag{Name: "description", Usage: "Free-form description"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			url := cmd.Args().First()
			if url == "" {
				return fmt.Errorf("a url argument is required")
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			title := cmd.String("title")
			if title == "" {
				title = strings.TrimPrefix(model.NormalizeBookmarkURL(url), "https://")
			}
			b := &model.Bookmark{
				ID:          uuid.NewString(),
				Title:       title,
				URL:         url,
				Tags:        cmd.StringSlice("tag"),
				SpaceID:     cmd.String("space"),
				Description: cmd.String("description"),
				CreatedAt:   time.Now().UTC(),
			}
			if err := s.store.UpsertBookmark(b); err != nil {
				return err
			}
			fmt.Println(b.ID)
			s.pushIfOnline(ctx)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List local bookmarks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "space", Usage: "Only bookmarks in this space"},
			&cli.StringFlag{Name: "tag", Usage: "Only bookmarks carrying this tag"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			books, err := s.store.Bookmarks()
			if err != nil {
				return err
			}
			space, tag := cmd.String("space"), cmd.String("tag")
			for _, b := range books {
				if space != "" && b.SpaceID != space {
					continue
				}
				if tag != "" && !contains(b.Tags, tag) {
					continue
				}
				line := fmt.Sprintf("%s\t%s\t%s", b.ID, b.Title, b.URL)
				if len(b.Tags) > 0 {
					line += "\t#" + strings.Join(b.Tags, " #")
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Delete a bookmark",
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("a bookmark id argument is required")
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.store.DeleteBookmark(id); err != nil {
				return err
			}
			s.pushIfOnline(ctx)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push queued changes and pull the server dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-conflict",
				Usage: "First-sync dataset conflict strategy (merge|local-wins|cloud-wins)",
				Value: string(migrate.StrategyMerge),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			// First sign-in on this device reconciles pre-existing datasets
			// before the regular cycle runs.
			mig := migrate.New(s.client, s.store, s.blobs)
			check, err := mig.Check(ctx)
			if err != nil {
				return err
			}
			if check.Outcome == migrate.OutcomeConflict {
				strategy := migrate.Strategy(cmd.String("on-conflict"))
				log.Info("Both devices hold data, reconciling", "strategy", strategy,
					"local", check.Local, "remote", len(check.Remote))
				if err := mig.Resolve(ctx, check.Remote, strategy); err != nil {
					return err
				}
			}

			if _, err := s.orch.Push(ctx); err != nil {
				return err
			}
			res, err := s.orch.CheckAndSync(ctx)
			if err != nil {
				return err
			}
			if res.Skipped {
				log.Info("Already up to date")
			} else {
				log.Info("Sync complete", "applied", res.Applied)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show sync state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			st := s.orch.Status()
			count, err := s.store.Count()
			if err != nil {
				return err
			}
			fmt.Printf("records:  %d\n", count)
			fmt.Printf("pending:  %d\n", st.PendingCount)
			if st.LastSync != nil {
				fmt.Printf("lastSync: %s\n", st.LastSync.Format(time.RFC3339))
			}

			settings, err := s.client.GetSettings(ctx)
			if err != nil {
				log.Warn("Server unreachable", "err", err)
				return nil
			}
			fmt.Printf("server:   enabled=%v mode=%s\n", settings.SyncEnabled, settings.SyncMode)
			return nil
		},
	}
}

func vaultCommand() *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "End-to-end encryption of the synced dataset",
		Commands: []*cli.Command{
			{
				Name:  "enable",
				Usage: "Encrypt the dataset with a passphrase",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "passphrase", Required: true},
					&cli.IntFlag{Name: "recovery-codes", Value: 3, Usage: "Number of one-time recovery codes to mint"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := openSession(cmd)
					if err != nil {
						return err
					}
					defer s.close()

					res, err := s.vault.Enable(ctx, cmd.String("passphrase"), cmd.Int("recovery-codes"))
					if err != nil {
						return err
					}
					log.Info("Vault enabled", "encrypted", res.Encrypted)
					if len(res.RecoveryCodes) > 0 {
						fmt.Println("Store these recovery codes somewhere safe; each works once:")
						for _, code := range res.RecoveryCodes {
							fmt.Println("  " + code)
						}
					}
					return nil
				},
			},
			{
				Name:  "disable",
				Usage: "Decrypt the dataset back to plaintext sync",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "passphrase", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := openSession(cmd)
					if err != nil {
						return err
					}
					defer s.close()

					res, err := s.vault.Disable(ctx, cmd.String("passphrase"))
					if err != nil {
						if res != nil && res.RolledBack {
							log.Warn("Disable failed and was rolled back; encrypted data is intact", "err", err)
							return nil
						}
						return err
					}
					log.Info("Vault disabled", "decrypted", res.Decrypted)
					return nil
				},
			},
			{
				Name:  "unlock",
				Usage: "Verify the passphrase against the stored envelope",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "passphrase", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := openSession(cmd)
					if err != nil {
						return err
					}
					defer s.close()

					if _, err := s.vault.Unlock(ctx, cmd.String("passphrase")); err != nil {
						return err
					}
					fmt.Println("vault: unlocked")
					return nil
				},
			},
			{
				Name:  "recover",
				Usage: "Reset the passphrase with a recovery code",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "code", Required: true, Usage: "One-time recovery code"},
					&cli.StringFlag{Name: "new-passphrase", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := openSession(cmd)
					if err != nil {
						return err
					}
					defer s.close()

					if _, err := s.vault.Recover(ctx, cmd.String("code"), cmd.String("new-passphrase")); err != nil {
						return err
					}
					log.Info("Passphrase replaced; remaining recovery codes are still valid")
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show whether the vault is enabled",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := openSession(cmd)
					if err != nil {
						return err
					}
					defer s.close()

					enabled, err := s.vault.Enabled(ctx)
					if err != nil {
						return err
					}
					if enabled {
						fmt.Println("vault: enabled")
					} else {
						fmt.Println("vault: disabled")
					}
					return nil
				},
			},
		},
	}
}
