package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/schema"
)

const recordsNote = `

Edits go to the local database and are uploaded when the daemon next starts.`

// withDB runs fn against the local database.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, database *db.DB) error) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	database, err := db.Open(rt.cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(cmd.Context(), database)
}

// requireSession fails unless the catalog has sessionID.
func requireSession(ctx context.Context, database *db.DB, sessionID string) error {
	ok, err := database.ContentExistsContext(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is not in the catalog", sessionID)
	}
	return nil
}

var favoriteCmd = &cobra.Command{
	Use:     "favorite",
	GroupID: "records",
	Short:   "Manage favorite sessions",
	Long:    "Add, remove and list favorite sessions." + recordsNote,
}

var favoriteAddCmd = &cobra.Command{
	Use:   "add <session-id>",
	Short: "Mark a session as favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			if err := requireSession(ctx, database, args[0]); err != nil {
				return err
			}
			existing, err := database.ListContext(ctx, schema.TypeFavorite, db.ListFilter{SessionID: args[0]})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				fmt.Printf("%s already a favorite\n", args[0])
				return nil
			}

			f := schema.NewFavorite(args[0])
			if err := database.SaveRecord(ctx, f); err != nil {
				return err
			}
			fmt.Printf("%s Favorited %s (%s)\n", ui.RenderPass("✓"), args[0], ui.RenderMuted(f.ID))
			return nil
		})
	},
}

var favoriteRemoveCmd = &cobra.Command{
	Use:   "remove <session-id>",
	Short: "Unmark a favorite session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			existing, err := database.ListContext(ctx, schema.TypeFavorite, db.ListFilter{SessionID: args[0]})
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				return fmt.Errorf("%s is not a favorite", args[0])
			}
			for _, rec := range existing {
				f := rec.(*schema.Favorite)
				f.IsDeleted = true
				if err := database.SaveRecord(ctx, f); err != nil {
					return err
				}
			}
			fmt.Printf("%s Removed favorite %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

var favoriteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List favorite sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			recs, err := database.ListContext(ctx, schema.TypeFavorite, db.ListFilter{})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				f := rec.(*schema.Favorite)
				fmt.Printf("%s  %s  %s\n", f.SessionID, ui.RenderMuted(humanize.Time(f.CreatedAt)), uploadMark(f))
			}
			if len(recs) == 0 {
				fmt.Println(ui.RenderMuted("No favorites"))
			}
			return nil
		})
	},
}

var bookmarkCmd = &cobra.Command{
	Use:     "bookmark",
	GroupID: "records",
	Short:   "Manage bookmarks",
	Long:    "Add, remove and list bookmarks." + recordsNote,
}

var bookmarkAddCmd = &cobra.Command{
	Use:   "add <session-id> <timecode-seconds> <text>",
	Short: "Bookmark a point in a session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		timecode, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid timecode %q: %w", args[1], err)
		}
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			if err := requireSession(ctx, database, args[0]); err != nil {
				return err
			}
			b := schema.NewBookmark(args[0], args[2], timecode)
			if err := database.SaveRecord(ctx, b); err != nil {
				return err
			}
			fmt.Printf("%s Bookmarked %s at %s (%s)\n", ui.RenderPass("✓"), args[0],
				formatTimecode(timecode), ui.RenderMuted(b.ID))
			return nil
		})
	},
}

var bookmarkRemoveCmd = &cobra.Command{
	Use:   "remove <bookmark-id>",
	Short: "Delete a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			rec, err := database.GetContext(ctx, schema.TypeBookmark, args[0])
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no bookmark %s", args[0])
			}
			if err != nil {
				return err
			}
			b := rec.(*schema.Bookmark)
			b.IsDeleted = true
			b.ModifiedAt = time.Now().UTC()
			if err := database.SaveRecord(ctx, b); err != nil {
				return err
			}
			fmt.Printf("%s Removed bookmark %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

var bookmarkListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List bookmarks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter db.ListFilter
		if len(args) == 1 {
			filter.SessionID = args[0]
		}
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			recs, err := database.ListContext(ctx, schema.TypeBookmark, filter)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				b := rec.(*schema.Bookmark)
				fmt.Printf("%s  %s %s  %s  %s\n", ui.RenderMuted(b.ID), b.SessionID,
					ui.RenderAccent(formatTimecode(b.Timecode)), b.Body, uploadMark(b))
			}
			if len(recs) == 0 {
				fmt.Println(ui.RenderMuted("No bookmarks"))
			}
			return nil
		})
	},
}

var progressCmd = &cobra.Command{
	Use:     "progress",
	GroupID: "records",
	Short:   "Manage session progress",
	Long:    "Record and list playback progress." + recordsNote,
}

var progressSetCmd = &cobra.Command{
	Use:   "set <session-id> <position-seconds>",
	Short: "Record the playback position in a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		position, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid position %q: %w", args[1], err)
		}
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			if err := requireSession(ctx, database, args[0]); err != nil {
				return err
			}
			session, err := database.GetSessionContext(ctx, args[0])
			if err != nil {
				return err
			}
			relative := 0.0
			if session.Duration > 0 {
				relative = min(position/session.Duration, 1)
			}

			existing, err := database.ListContext(ctx, schema.TypeSessionProgress, db.ListFilter{SessionID: args[0]})
			if err != nil {
				return err
			}

			var p *schema.SessionProgress
			if len(existing) > 0 {
				p = existing[0].(*schema.SessionProgress)
				p.CurrentPosition = position
				p.RelativePosition = relative
				p.UpdatedAt = time.Now().UTC()
				// Re-upload as new on the daemon's next start; the conflict
				// with the stored copy resolves in favor of this edit.
				p.SystemFields = nil
			} else {
				p = schema.NewSessionProgress(args[0], position, relative)
			}
			if err := database.SaveRecord(ctx, p); err != nil {
				return err
			}
			fmt.Printf("%s %s at %s (%.0f%%)\n", ui.RenderPass("✓"), args[0], formatTimecode(position), relative*100)
			return nil
		})
	},
}

var progressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List session progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *db.DB) error {
			recs, err := database.ListContext(ctx, schema.TypeSessionProgress, db.ListFilter{})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				p := rec.(*schema.SessionProgress)
				fmt.Printf("%s  %s (%.0f%%)  %s  %s\n", p.SessionID, formatTimecode(p.CurrentPosition),
					p.RelativePosition*100, ui.RenderMuted(humanize.Time(p.UpdatedAt)), uploadMark(p))
			}
			if len(recs) == 0 {
				fmt.Println(ui.RenderMuted("No progress recorded"))
			}
			return nil
		})
	},
}

func uploadMark(rec schema.Record) string {
	if len(rec.RemoteFields()) == 0 {
		return ui.RenderWarn("not uploaded")
	}
	return ui.RenderPass("synced")
}

// formatTimecode renders seconds as m:ss or h:mm:ss.
func formatTimecode(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func init() {
	favoriteCmd.AddCommand(favoriteAddCmd, favoriteRemoveCmd, favoriteListCmd)
	bookmarkCmd.AddCommand(bookmarkAddCmd, bookmarkRemoveCmd, bookmarkListCmd)
	progressCmd.AddCommand(progressSetCmd, progressListCmd)

	rootCmd.AddCommand(favoriteCmd, bookmarkCmd, progressCmd)
}
