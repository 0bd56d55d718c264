package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/lysyi3m/rss-reader/app/cfg"
	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/lysyi3m/rss-reader/app/pipeline"
)

const (
	ReturnOk = iota
	ReturnHelp
	ReturnError
)

var opts cfg.Options

// env is opened lazily by the command that runs, after flags are parsed.
type env struct {
	db       *database.DB
	pipeline *pipeline.Pipeline
}

func openEnv() (*env, error) {
	appCfg, err := cfg.Apply(&opts)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := os.MkdirAll(filepath.Dir(appCfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		return nil, err
	}

	if _, _, err := database.RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	configCache := feed.NewConfigCache(appCfg.ConfigPath)
	if err := configCache.Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load configuration projection: %w", err)
	}

	return &env{
		db:       db,
		pipeline: pipeline.NewFromConfig(db, configCache, nil),
	}, nil
}

func (e *env) Close() {
	e.db.Close()
}

func withEnv(fn func(ctx context.Context, e *env) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, e)
}

type addCommand struct {
	Args struct {
		URL string `positional-arg-name:"url" description:"Feed or OPML URL"`
	} `positional-args:"yes" required:"yes"`
}

func (c *addCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		result, err := e.pipeline.AddFeed(ctx, c.Args.URL)
		if err != nil {
			return err
		}
		for _, parsed := range result.Feeds {
			fmt.Printf("added %s (%s, %d items)\n", parsed.SourceURL, parsed.Title, len(parsed.Items))
		}
		return nil
	})
}

type importCommand struct {
	Args struct {
		URL string `positional-arg-name:"url" description:"OPML URL"`
	} `positional-args:"yes" required:"yes"`
}

func (c *importCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		result, err := e.pipeline.ImportOPML(ctx, c.Args.URL)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d feeds\n", len(result.Feeds))
		return nil
	})
}

type refreshCommand struct {
	Args struct {
		URLs []string `positional-arg-name:"url" description:"Feeds to refresh (default: all)"`
	} `positional-args:"yes"`
}

func (c *refreshCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if len(c.Args.URLs) == 0 {
			report, err := e.pipeline.RefreshAll(ctx, pipeline.TriggerManual)
			if err != nil {
				return err
			}
			for _, failure := range report.Failures {
				fmt.Fprintf(os.Stderr, "failed %s: %s\n", failure.URL, failure.Error)
			}
			fmt.Printf("refreshed %d/%d feeds in %s\n", report.Refreshed, report.Total, report.Duration.Round(time.Millisecond))
			return nil
		}

		var errs []error
		for _, url := range c.Args.URLs {
			parsed, err := e.pipeline.Refresh(ctx, url)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Printf("refreshed %s (%d items)\n", url, len(parsed.Items))
		}
		return errors.Join(errs...)
	})
}

type listCommand struct{}

func (c *listCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		return writeSubscriptions(os.Stdout, e.pipeline.ListSubscriptions())
	})
}

func writeSubscriptions(w io.Writer, subscriptions []feed.Subscription) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tLAST FETCHED")
	for _, subscription := range subscriptions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", subscription.Name, subscription.URL, subscription.LastFetchedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

type itemsCommand struct {
	Limit int `short:"n" long:"limit" default:"20" description:"Maximum number of items"`
	Args  struct {
		URL string `positional-arg-name:"url" description:"Feed URL"`
	} `positional-args:"yes" required:"yes"`
}

func (c *itemsCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		items, err := e.pipeline.Items(ctx, c.Args.URL, c.Limit)
		if err != nil {
			return err
		}
		for _, item := range items {
			published := "-"
			if item.PublishedAt != nil {
				published = item.PublishedAt.Format(time.DateOnly)
			}
			fmt.Printf("%s  %s\n  %s\n", published, item.Title, item.URL)
		}
		return nil
	})
}

type removeCommand struct {
	Args struct {
		URL string `positional-arg-name:"url" description:"Feed URL"`
	} `positional-args:"yes" required:"yes"`
}

func (c *removeCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		return e.pipeline.Remove(ctx, c.Args.URL)
	})
}

type renameCommand struct {
	Args struct {
		URL  string `positional-arg-name:"url" description:"Feed URL"`
		Name string `positional-arg-name:"name" description:"Display name (empty clears it)"`
	} `positional-args:"yes" required:"1"`
}

func (c *renameCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		return e.pipeline.Rename(c.Args.URL, c.Args.Name)
	})
}

type exportCommand struct {
	Output string `short:"o" long:"output" description:"Write to this file instead of STDOUT"`
}

func (c *exportCommand) Execute(args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		opml, err := e.pipeline.ExportOPML()
		if err != nil {
			return err
		}
		if c.Output == "" {
			_, err := fmt.Println(opml)
			return err
		}
		return os.WriteFile(c.Output, []byte(opml+"\n"), 0o644)
	})
}

func newParser() *flags.Parser {
	p := flags.NewNamedParser("feedctl", flags.HelpFlag|flags.PassDoubleDash)
	p.ShortDescription = "Manage RSS Reader subscriptions"

	if _, err := p.AddGroup("Application Options", "", &opts); err != nil {
		panic(err)
	}

	commands := []struct {
		name, short string
		data        any
	}{
		{"add", "Subscribe to a feed or every feed of an OPML document", &addCommand{}},
		{"import", "Import an OPML subscription list", &importCommand{}},
		{"refresh", "Refresh feeds", &refreshCommand{}},
		{"list", "List subscriptions", &listCommand{}},
		{"items", "Show stored items of a feed", &itemsCommand{}},
		{"remove", "Unsubscribe and delete stored items", &removeCommand{}},
		{"rename", "Set or clear the display name of a feed", &renameCommand{}},
		{"export", "Export subscriptions as OPML", &exportCommand{}},
	}
	for _, cmd := range commands {
		if _, err := p.AddCommand(cmd.name, cmd.short, "", cmd.data); err != nil {
			panic(err)
		}
	}

	return p
}

func main() {
	p := newParser()

	_, err := p.Parse()
	code := exitCode(err)

	switch code {
	case ReturnHelp:
		p.WriteHelp(os.Stdout)
	case ReturnError:
		fmt.Fprintf(os.Stderr, "feedctl: %v\n", err)
	}

	os.Exit(code)
}

func exitCode(err error) int {
	if err == nil {
		return ReturnOk
	}
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		return ReturnHelp
	}
	return ReturnError
}
