package command

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	keybox "github.com/yndnr/keybox-go"
)

// parseValue interprets a CLI argument as JSON, falling back to a plain
// string so `keybox-cli set greeting hello` works without quoting.
func parseValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return json.RawMessage(quoted)
}

// GetCommand reads one value.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Read the value stored under a key",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: get <key>")
			}

			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			v, found, err := keybox.Get[json.RawMessage](c.Context, e, c.Args().First())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q not found", c.Args().First())
			}
			fmt.Fprintln(c.App.Writer, string(v))
			return nil
		},
	}
}

// SetCommand writes one value, optionally with a TTL.
func SetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Write a value under a key",
		ArgsUsage: "<key> <value>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Expire the value after this duration",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: set <key> <value>")
			}

			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			key := c.Args().Get(0)
			value := parseValue(c.Args().Get(1))
			if ttl := c.Duration("ttl"); ttl > 0 {
				return keybox.SaveWithTTL(c.Context, e, key, value, ttl)
			}
			return keybox.Save(c.Context, e, key, value)
		},
	}
}

// DelCommand deletes keys.
func DelCommand() *cli.Command {
	return &cli.Command{
		Name:      "del",
		Usage:     "Delete one or more keys",
		ArgsUsage: "<key> [key...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return fmt.Errorf("usage: del <key> [key...]")
			}

			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.DeleteAll(c.Context, c.Args().Slice())
		},
	}
}

// KeysCommand lists live keys.
func KeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "List all live keys",
		Action: func(c *cli.Context) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			keys, err := e.Keys(c.Context)
			if err != nil {
				return err
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintln(c.App.Writer, key)
			}
			return nil
		},
	}
}

// EntriesCommand dumps all live entries as one JSON object.
func EntriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "entries",
		Usage: "Dump all live entries as JSON",
		Action: func(c *cli.Context) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := keybox.AllEntries[json.RawMessage](c.Context, e)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(out))
			return nil
		},
	}
}

// TTLCommand shows a key's expiry deadline.
func TTLCommand() *cli.Command {
	return &cli.Command{
		Name:      "ttl",
		Usage:     "Show a key's expiry deadline",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: ttl <key>")
			}

			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			key := c.Args().First()
			deadline, has, err := e.ExpiresAt(key)
			if err != nil {
				return err
			}
			if !has {
				found, err := e.Contains(c.Context, key)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found", key)
				}
				fmt.Fprintln(c.App.Writer, "no expiry")
				return nil
			}

			expired, err := e.IsExpired(key)
			if err != nil {
				return err
			}
			if expired {
				fmt.Fprintf(c.App.Writer, "expired at %s\n", deadline.Format(time.RFC3339))
				return nil
			}
			fmt.Fprintf(c.App.Writer, "expires at %s (in %s)\n",
				deadline.Format(time.RFC3339), time.Until(deadline).Round(time.Second))
			return nil
		},
	}
}

// WatchCommand streams changes of one key.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream changes of a key until interrupted",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "count",
				Usage: "Exit after this many events (0 = forever)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: watch <key>")
			}

			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			w, err := keybox.Watch[json.RawMessage](e, c.Args().First())
			if err != nil {
				return err
			}
			defer w.Cancel()

			seen := 0
			for {
				select {
				case <-c.Context.Done():
					return nil
				case ev, ok := <-w.C:
					if !ok {
						return nil
					}
					switch {
					case ev.Err != nil:
						PrintError("%v", ev.Err)
					case ev.Value == nil:
						fmt.Fprintln(c.App.Writer, "(deleted)")
					default:
						fmt.Fprintln(c.App.Writer, string(*ev.Value))
					}
					seen++
					if n := c.Int("count"); n > 0 && seen >= n {
						return nil
					}
				}
			}
		},
	}
}

// ClearCommand removes every entry in the namespace.
func ClearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove every entry in the namespace",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "Skip the confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return fmt.Errorf("refusing to clear without --yes")
			}

			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.Clear(c.Context)
		},
	}
}

// CompactCommand reclaims storage space.
func CompactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "Reclaim space left by deleted and overwritten entries",
		Action: func(c *cli.Context) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			before, err := e.Size(c.Context)
			if err != nil {
				return err
			}
			if err := e.Compact(c.Context); err != nil {
				return err
			}
			after, err := e.Size(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "compacted: %d -> %d bytes\n", before, after)
			return nil
		},
	}
}

// StatsCommand prints namespace statistics.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print namespace statistics",
		Action: func(c *cli.Context) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			keys, err := e.Keys(c.Context)
			if err != nil {
				return err
			}
			size, err := e.Size(c.Context)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "keys:  %d\n", len(keys))
			fmt.Fprintf(c.App.Writer, "size:  %d bytes\n", size)
			fmt.Fprintf(c.App.Writer, "state: %s\n", e.State())
			return nil
		},
	}
}
