package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/deepnoodle-ai/wonton/cli"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/index"
	"github.com/useai-dev/useaid/keystore"
	"github.com/useai-dev/useaid/slogger"
)

func registerVerifyCommand(app *cli.App) {
	app.Command("verify").
		Description("Verify chain integrity and record signatures offline").
		Args("session-id?").
		Flags(
			cli.Bool("all", "a").Help("Verify every stored session"),
		).
		Run(func(ctx *cli.Context) error {
			root, err := resolveRoot(ctx)
			if err != nil {
				return err
			}
			logger := slogger.NewDevNullLogger()
			store, err := chain.New(chain.Options{
				Dir:    filepath.Join(root, "data"),
				Logger: logger,
			})
			if err != nil {
				return err
			}
			// Without a readable keystore only the hash chain is checked.
			keys, err := keystore.New(keystore.Options{
				Path:   filepath.Join(root, "keystore.json"),
				Logger: logger,
			})
			if err != nil {
				keys = nil
			}

			var ids []string
			switch {
			case ctx.Bool("all"):
				ids, err = storedSessionIDs(root, store, logger)
				if err != nil {
					return err
				}
			case ctx.NArg() > 0:
				ids = []string{ctx.Arg(0)}
			default:
				return cli.Errorf("no session id given (or use --all)")
			}
			if len(ids) == 0 {
				fmt.Println(mutedStyle.Sprint("no sessions stored"))
				return nil
			}

			failed := 0
			for _, id := range ids {
				count, err := verifyChain(store, keys, id)
				if err != nil {
					failed++
					fmt.Printf("%s %s: %v\n", errorStyle.Sprint(xmark), id, err)
					continue
				}
				fmt.Printf("%s %s (%s)\n", successStyle.Sprint(checkmark), id, plural(count, "record"))
			}
			if failed > 0 {
				return cli.Errorf("%d of %d sessions failed verification", failed, len(ids))
			}
			return nil
		})
}

// verifyChain checks one session's hash chain and, when a keystore is
// available, every non-empty record signature.
func verifyChain(store *chain.Store, keys *keystore.Keystore, sessionID string) (int, error) {
	records, err := store.Read(sessionID)
	if err != nil {
		return 0, err
	}
	if err := chain.Verify(records); err != nil {
		return 0, err
	}
	if keys != nil && keys.Available() {
		for i, record := range records {
			if record.Signature == "" {
				continue
			}
			if !keys.Verify(record.Hash, record.Signature) {
				return 0, fmt.Errorf("record %d has an invalid signature", i)
			}
		}
	}
	return len(records), nil
}

// storedSessionIDs lists every session with a chain file on disk: the
// active ones plus indexed sealed ones whose file still exists.
func storedSessionIDs(root string, store *chain.Store, logger slogger.Logger) ([]string, error) {
	ids, err := store.ActiveSessions()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}

	sessions := index.NewSessions(filepath.Join(root, "data", "sessions.json"), logger)
	seals, err := sessions.All()
	if err != nil {
		return nil, err
	}
	for _, seal := range seals {
		if seen[seal.SessionID] || store.State(seal.SessionID) == chain.StateMissing {
			continue
		}
		seen[seal.SessionID] = true
		ids = append(ids, seal.SessionID)
	}
	sort.Strings(ids)
	return ids, nil
}
