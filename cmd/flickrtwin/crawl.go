package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"flickrtwin/internal/crawl"
	"flickrtwin/internal/graph"
	"flickrtwin/internal/progress"
	"flickrtwin/pkg/ui"

	"github.com/spf13/cobra"
)

var (
	listLimit   int
	listOffset  int
	topTwins    int
	maxRequests int
	statusJSON  bool
)

var twinsCmd = &cobra.Command{
	Use:   "twins [user-nsid]",
	Short: "Seed the graph from a user's favorites and list their twins",
	Long: `Read the public favorites of a Flickr user, then the favorites of every
photo they liked, and rank the users who share them.

Without an argument the current ranking is printed without any API call.
The seed user is excluded from the ranking.`,
	Example: `  flickrtwin twins 12345678@N00
  flickrtwin twins -n 50 --offset 50`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, len(args) > 0, func(ctx context.Context, a *app) error {
			if len(args) > 0 {
				user := strings.TrimSpace(args[0])
				ui.PrintInfo("Seed user", user)
				stats, err := a.session.ProcessPhotosFromUser(ctx, user)
				a.finishBatch("Twins", stats, err)
				if err != nil {
					return err
				}
			}
			printTwins(a.session.Twins(listLimit, listOffset), listOffset)
			return nil
		})
	},
}

var photosCmd = &cobra.Command{
	Use:   "photos",
	Short: "List photos ranked by how much your twins like them",
	Long: `List photos ranked by the summed scores of the users who favorited them.
Photos already processed, excluded or hidden are skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			printPhotos(a.session.PopularPhotos(listLimit, listOffset), listOffset)
			return nil
		})
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Spend part of the call budget exploring the best ranked twins",
	Long: `Read additional favorites pages of the best ranked twins, favoring users
whose first page was most productive. The crawl issues at most
min(--max-requests, remaining budget) calls.`,
	Example: `  flickrtwin crawl --max-requests 500 --notify`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			issued, stats, err := a.session.SmartCrawl(ctx, maxRequests)
			a.finishBatch("Crawl", stats, err)
			if err != nil {
				return err
			}
			ui.PrintInfo("Calls issued", fmt.Sprintf("%d", issued))
			ui.PrintInfo("Budget", a.session.BudgetStatus())
			return nil
		})
	},
}

var processPhotosCmd = &cobra.Command{
	Use:   "process-photos <photo-id>...",
	Short: "Read who favorited the given photos",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			stats, err := a.session.ProcessPhotos(ctx, args)
			a.finishBatch("Photos", stats, err)
			return err
		})
	},
}

var processUsersCmd = &cobra.Command{
	Use:   "process-users [user-nsid]...",
	Short: "Read the favorites of the given users, or of the top twins",
	Long: `Read every favorites page of the given users, up to the page cap.
Without arguments the top -n twins are processed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			var (
				stats progress.Stats
				err   error
			)
			if len(args) == 0 {
				stats, err = a.session.ProcessUsersFromDB(ctx, topTwins)
			} else {
				stats, err = a.session.ProcessUsers(ctx, args)
			}
			a.finishBatch("Users", stats, err)
			return err
		})
	},
}

var loadPhotosCmd = &cobra.Command{
	Use:   "load-photos <photo-id>...",
	Short: "Fetch titles and image locations of the given photos",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			stats, err := a.session.LoadPhotos(ctx, args)
			a.finishBatch("Photo info", stats, err)
			return err
		})
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude <id>...",
	Short: "Remove users or photos from every ranking",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			a.session.Exclude(args...)
			ui.PrintSuccess(fmt.Sprintf("Excluded %d ids", len(args)))
			return nil
		})
	},
}

var hideCmd = &cobra.Command{
	Use:   "hide <photo-id>...",
	Short: "Remove photos from the popular photos ranking",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			a.session.Hide(args...)
			ui.PrintSuccess(fmt.Sprintf("Hid %d photos", len(args)))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the call budget and the size of the graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			st := a.session.Status()
			if statusJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(st)
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{twinsCmd, photosCmd} {
		cmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "number of entries to print")
		cmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many entries")
	}
	processUsersCmd.Flags().IntVarP(&topTwins, "limit", "n", 0, "number of top twins to process (default from config)")
	crawlCmd.Flags().IntVar(&maxRequests, "max-requests", 0, "maximum number of calls to issue (default from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")

	rootCmd.AddCommand(twinsCmd, photosCmd, crawlCmd, processPhotosCmd, processUsersCmd,
		loadPhotosCmd, excludeCmd, hideCmd, statusCmd)
}

// finishBatch closes the progress line and reports the batch outcome
func (a *app) finishBatch(label string, stats progress.Stats, err error) {
	if a.display != nil {
		a.display.Complete(stats.String())
	}
	if err != nil {
		a.notifier.SendError(label+" failed", err.Error())
		return
	}
	if stats.Errors > 0 {
		ui.PrintWarning(fmt.Sprintf("%d requests failed; see the log for details", stats.Errors))
	}
	a.notifier.SendSuccess(label+" finished", stats.String())
}

func printTwins(users []graph.User, offset int) {
	if len(users) == 0 {
		ui.PrintWarning("No twins yet. Seed the graph with 'flickrtwin twins <user-nsid>'")
		return
	}
	ui.PrintHighlight("Twins")
	for i, u := range users {
		name := u.Username
		if u.RealName != "" {
			name = fmt.Sprintf("%s (%s)", u.Username, u.RealName)
		}
		ui.PrintRow(offset+i+1, u.ID, u.Score, fmt.Sprintf("%s  %d shared faves", name, u.FaveCount))
	}
}

func printPhotos(photos []graph.Photo, offset int) {
	if len(photos) == 0 {
		ui.PrintWarning("No photos yet. Run 'flickrtwin process-users' or 'flickrtwin crawl' first")
		return
	}
	ui.PrintHighlight("Popular photos")
	for i, p := range photos {
		detail := p.URL()
		if p.Title != "" {
			detail = fmt.Sprintf("%s  %s", p.Title, detail)
		}
		ui.PrintRow(offset+i+1, p.ID, p.Score, fmt.Sprintf("%d faves  %s", p.FaveCount, detail))
	}
}

func printStatus(st crawl.Status) {
	ui.PrintInfo("Session", st.SessionID)
	ui.PrintInfo("Budget", fmt.Sprintf("%d/%d used, %d remaining", st.BudgetUsed, st.BudgetCeiling, st.BudgetRemaining))
	ui.PrintInfo("Oldest call expires in", st.OldestExpiry)
	ui.PrintInfo("Users", fmt.Sprintf("%d", st.Users))
	ui.PrintInfo("Photos", fmt.Sprintf("%d (%d with enough favorites)", st.Photos, st.SignificantPhotos))
	ui.PrintInfo("Processed photos", fmt.Sprintf("%d", st.Processed))
	ui.PrintInfo("Excluded / hidden", fmt.Sprintf("%d / %d", st.Excluded, st.Hidden))
}
