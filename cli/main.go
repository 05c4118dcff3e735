package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"ytdash/config"
	"ytdash/internal/app"
	"ytdash/internal/logging"
	"ytdash/youtube"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "sync":
		cmdSync(args)
	case "search":
		cmdSearch(args)
	case "resolve":
		cmdResolve(args)
	case "migrate":
		cmdMigrate(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ytdash - YouTube channel dashboard tools

Usage:
  ytdash sync [flags] <channel>       Sync a channel's recent uploads into the database
  ytdash search [flags] <query>       Search videos or channels
  ytdash resolve <channel>            Resolve a handle or URL to a channel ID
  ytdash migrate                      Create or upgrade the database schema
  ytdash help                         Show this help message

Examples:
  ytdash sync @RickAstley                      # Sync the 50 most recent uploads
  ytdash sync --max 200 UCuAXFkgsw1L7xaCfnd5JJOw
  ytdash search --channels lofi                # Channel search by subscribers
  ytdash resolve https://www.youtube.com/@mkbhd

For help on specific command: ytdash <command> -h
`)
}

// setup loads config and builds the service graph.
func setup(verbose bool) (*config.Config, *app.App) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	level := "warn"
	if verbose {
		level = "debug"
	}

	a, err := app.New(context.Background(), cfg, logging.Console(level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg, a
}

func cmdSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	maxVideos := fs.Int("max", 0, "Number of recent uploads to consider (0 = configured default)")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	verbose := fs.Bool("v", false, "Verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytdash sync [flags] <channel>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintf(os.Stderr, "Error: missing channel\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg, a := setup(*verbose)
	defer a.Close()

	if *maxVideos == 0 {
		*maxVideos = cfg.SyncMax
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	channelID, err := a.Gateway.ResolveChannelID(ctx, argv[0])
	if err != nil {
		fail("resolving channel", err)
	}

	fmt.Fprintf(os.Stderr, "Syncing %s...\n", channelID)
	result, err := a.Sync.Sync(ctx, channelID, *maxVideos)
	if err != nil {
		fail("syncing", err)
	}

	if *asJSON {
		printJSON(result)
		return
	}

	writeSyncTable(os.Stdout, result)

	s := result.Summary
	fmt.Fprintf(os.Stderr, "\n%s: %d videos stored, %d new, %d updated\n",
		result.Channel.Title, s.TotalVideos, s.NewVideos, s.UpdatedVideos)
}

// writeSyncTable prints the stored videos of a sync, marking the ones it inserted.
func writeSyncTable(out io.Writer, result *youtube.SyncResult) {
	isNew := make(map[string]bool, len(result.NewVideoIDs))
	for _, id := range result.NewVideoIDs {
		isNew[id] = true
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIDEO ID\tTITLE\tPUBLISHED\tVIEWS\tNEW\tURL")
	for _, v := range result.Videos {
		mark := ""
		if isNew[v.VideoID] {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.VideoID,
			truncate(v.Title, 50),
			v.PublishedAt.Format("2006-01-02"),
			formatCount(v.ViewCount),
			mark,
			youtube.WatchURL(v.VideoID),
		)
	}
	w.Flush()
}

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	channels := fs.Bool("channels", false, "Search channels instead of videos")
	maxResults := fs.Int("max", 0, "Maximum results (0 = configured page size)")
	asJSON := fs.Bool("json", false, "Print results as JSON")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytdash search [flags] <query>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintf(os.Stderr, "Error: missing query\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg, a := setup(false)
	defer a.Close()

	if *maxResults == 0 {
		*maxResults = cfg.SearchPageSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if *channels {
		results, err := a.Gateway.SearchChannels(ctx, argv[0], *maxResults)
		if err != nil {
			fail("searching channels", err)
		}
		if *asJSON {
			printJSON(results)
			return
		}
		fmt.Fprintln(w, "CHANNEL ID\tTITLE\tSUBSCRIBERS\tVIDEOS")
		for _, c := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", c.ID, truncate(c.Title, 40), formatCount(c.SubscriberCount), c.VideoCount)
		}
		return
	}

	results, err := a.Gateway.SearchVideos(ctx, argv[0], *maxResults)
	if err != nil {
		fail("searching videos", err)
	}
	if *asJSON {
		printJSON(results)
		return
	}
	fmt.Fprintln(w, "VIDEO ID\tTITLE\tCHANNEL\tPUBLISHED\tURL")
	for _, v := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.ID, truncate(v.Title, 50), truncate(v.ChannelTitle, 25), v.PublishedAt.Format("2006-01-02"), youtube.WatchURL(v.ID))
	}
}

func cmdResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ytdash resolve <channel>\n")
	}
	fs.Parse(args)

	argv := fs.Args()
	if len(argv) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	cfg, a := setup(false)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()

	id, err := a.Gateway.ResolveChannelID(ctx, argv[0])
	if err != nil {
		fail("resolving channel", err)
	}
	info, err := a.Gateway.GetChannel(ctx, id)
	if err != nil {
		fail("fetching channel", err)
	}

	fmt.Printf("Channel ID:   %s\n", info.ID)
	fmt.Printf("Title:        %s\n", info.Title)
	if info.CustomURL != "" {
		fmt.Printf("Handle:       %s\n", info.CustomURL)
	}
	fmt.Printf("Subscribers:  %s\n", formatCount(info.SubscriberCount))
	fmt.Printf("Videos:       %d\n", info.VideoCount)
	fmt.Printf("Uploads:      %s\n", info.UploadsPlaylistID)
}

func cmdMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// opening a store applies pending migrations
	store, err := app.OpenStore(ctx, cfg, logging.Console("info"))
	if err != nil {
		fail("migrating", err)
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		fail("reading stats", err)
	}
	fmt.Printf("Schema up to date (%s): %d accounts, %d tracked channels, %d videos\n",
		cfg.DatabaseDriver, stats.Accounts, stats.TrackedChannels, stats.Videos)
}

func fail(action string, err error) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", action, err)
	if errors.Is(err, youtube.ErrMissingCredential) {
		fmt.Fprintf(os.Stderr, "Set YTDASH_API_KEY (or YOUTUBE_API_KEY) to a YouTube Data API key.\n")
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// formatCount renders large counters compactly: 1234 -> 1.2K, 4100000 -> 4.1M.
func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
