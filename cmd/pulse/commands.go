package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Imhermes1/familyhub/internal/httpapi"
	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withClient opens the client, runs fn and closes the client again.
func (a *app) withClient(fn func(*pulse.Client) error) error {
	client, err := a.openClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func newSyncCmd(a *app) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against the group backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(func(c *pulse.Client) error {
				ctx := commandContext(cmd)
				var report pulse.SyncReport
				if kind != "" {
					k, err := pulse.ParseKind(kind)
					if err != nil {
						return err
					}
					kr, err := c.Syncer.SyncKind(ctx, k)
					if err != nil {
						return err
					}
					group, _ := c.Session.Group()
					report = pulse.SyncReport{GroupID: group.ID, Kinds: []pulse.KindReport{kr}}
				} else {
					var err error
					report, err = c.Syncer.SyncAll(ctx)
					if err != nil {
						return err
					}
				}
				if a.jsonOut {
					if err := a.printJSON(report); err != nil {
						return err
					}
					return report.Err()
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tFETCHED\tINSERTED\tUPDATED\tINVALID\tERROR")
				for _, k := range report.Kinds {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", k.Kind, k.Fetched, k.Merge.Inserted, k.Merge.Updated, k.Invalid, k.Error)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "limit the pass to status, task, note or voice")
	return cmd
}

func newFeedCmd(a *app) *cobra.Command {
	var category, query, user string
	var all bool
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print the unified feed, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := pulse.ParseCategory(category)
			if err != nil {
				return err
			}
			return a.withClient(func(c *pulse.Client) error {
				filter := pulse.FeedFilter{Category: cat, Query: query}
				if !all {
					filter.GroupID = a.cfg.Group.ID
				}
				c.Feed.SetFilter(filter)
				items := c.Feed.Visible()
				if user != "" {
					items = pulse.ItemsForUser(items, user)
				}
				if a.jsonOut {
					return a.printJSON(items)
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				for _, item := range items {
					marker := ""
					if item.Pending() {
						marker = " (pending)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s%s\n",
						item.Timestamp.Local().Format("Jan 02 15:04"), item.Kind, item.AuthorName, item.Summary(), marker)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&category, "type", "", "all, location, task, note or voice")
	cmd.Flags().StringVarP(&query, "query", "q", "", "case-insensitive search text")
	cmd.Flags().StringVar(&user, "user", "", "only items by this user id")
	cmd.Flags().BoolVar(&all, "all-groups", false, "include every group in the local store")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the active group's feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(func(c *pulse.Client) error {
				stats := pulse.ComputeStats(c.Feed.Visible(), time.Now(), c.Directory)
				if a.jsonOut {
					return a.printJSON(stats)
				}
				fmt.Fprintf(a.out, "total: %d  today: %d\n", stats.Total, stats.Today)
				for _, cat := range pulse.Categories[1:] {
					fmt.Fprintf(a.out, "  %-8s %d\n", cat, stats.ByCategory[cat])
				}
				if stats.MostActiveUser != "" {
					fmt.Fprintf(a.out, "most active: %s (%d)\n", nonEmpty(stats.MostActiveName, stats.MostActiveUser), stats.MostActiveN)
				}
				return nil
			})
		},
	}
}

func newCheckInCmd(a *app) *cobra.Command {
	var location, trigger string
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "checkin <arrived|leaving|on_the_way|pulse>",
		Short: "Post a status check-in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := pulse.ParseStatusType(args[0])
			if err != nil {
				return err
			}
			tt := pulse.TriggerManual
			if trigger != "" {
				if tt, err = pulse.ParseTriggerType(trigger); err != nil {
					return err
				}
			}
			req := pulse.CheckInRequest{Type: status, Trigger: tt, LocationName: location}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				req.Latitude, req.Longitude = &lat, &lon
			}
			return a.withClient(func(c *pulse.Client) error {
				st, recorded, err := c.Coordinator.CheckIn(commandContext(cmd), req)
				if err != nil {
					return err
				}
				if !recorded {
					fmt.Fprintln(a.out, "check-in suppressed: manual-only mode is on")
					return nil
				}
				if a.jsonOut {
					return a.printJSON(st)
				}
				fmt.Fprintf(a.out, "%s %s\n", st.LocalID, st.Type.DisplayName())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "manual, bluetooth, geofence or hourly")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	return cmd
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Add or toggle shared tasks"}

	var assign, due string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft := pulse.TaskDraft{Title: strings.Join(args, " "), AssignedTo: assign}
			if due != "" {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				draft.DueDate = &d
			}
			return a.withClient(func(c *pulse.Client) error {
				task, err := c.Coordinator.AddTask(commandContext(cmd), draft)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(task)
				}
				fmt.Fprintf(a.out, "%s %s\n", task.LocalID, task.Title)
				return nil
			})
		},
	}
	add.Flags().StringVar(&assign, "assign", "", "user id the task is assigned to")
	add.Flags().StringVar(&due, "due", "", "due date (2006-01-02 or RFC3339)")

	toggle := &cobra.Command{
		Use:   "toggle <local-id>",
		Short: "Flip a task's completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(c *pulse.Client) error {
				task, err := c.Coordinator.ToggleTask(commandContext(cmd), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(task)
				}
				state := "open"
				if task.Completed {
					state = "done"
				}
				fmt.Fprintf(a.out, "%s %s\n", task.LocalID, state)
				return nil
			})
		},
	}
	cmd.AddCommand(add, toggle)
	return cmd
}

func newNoteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "note", Short: "Post notes"}
	var drawing string
	add := &cobra.Command{
		Use:   "add <content>",
		Short: "Post a note",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft := pulse.NoteDraft{Content: strings.Join(args, " ")}
			if drawing != "" {
				draft.NoteType = pulse.NoteDrawing
				draft.DrawingURL = drawing
			}
			return a.withClient(func(c *pulse.Client) error {
				note, err := c.Coordinator.AddNote(commandContext(cmd), draft)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(note)
				}
				fmt.Fprintln(a.out, note.LocalID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&drawing, "drawing", "", "drawing url, makes this a drawing note")
	cmd.AddCommand(add)
	return cmd
}

func newVoiceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "voice", Short: "Send and manage voice messages"}

	var duration float64
	var transcript, language string
	var to []string
	send := &cobra.Command{
		Use:   "send <audio-file>",
		Short: "Upload a recording and post it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.stageRecording(args[0])
			if err != nil {
				return err
			}
			err = a.withClient(func(c *pulse.Client) error {
				msg, err := c.Coordinator.SendVoiceMessage(commandContext(cmd), pulse.VoiceDraft{
					LocalFilePath:      path,
					DurationSeconds:    duration,
					Transcript:         transcript,
					TranscriptLanguage: language,
					RecipientIDs:       to,
				})
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(msg)
				}
				fmt.Fprintf(a.out, "%s %s\n", msg.LocalID, msg.AudioURL)
				return nil
			})
			if err != nil {
				_ = os.Remove(path)
			}
			return err
		},
	}
	send.Flags().Float64Var(&duration, "duration", 0, "recording length in seconds")
	send.Flags().StringVar(&transcript, "transcript", "", "transcript text")
	send.Flags().StringVar(&language, "language", "", "transcript language")
	send.Flags().StringSliceVar(&to, "to", nil, "recipient user ids (repeat flag); empty sends to the group")

	played := &cobra.Command{
		Use:   "played <local-id>",
		Short: "Mark a voice message as played",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(c *pulse.Client) error {
				msg, err := c.Coordinator.MarkVoicePlayed(commandContext(cmd), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(msg)
				}
				fmt.Fprintln(a.out, msg.LocalID)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <local-id>",
		Short: "Delete a voice message and its local recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(c *pulse.Client) error {
				return c.Coordinator.DeleteVoiceMessage(commandContext(cmd), args[0])
			})
		},
	}
	cmd.AddCommand(send, played, del)
	return cmd
}

func newInviteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "invite",
		Short: "Generate a group invite code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := pulse.GenerateInviteCode()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, code)
			return nil
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the local API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.HTTP.JWTSecret
			if secret == "" {
				secret = "dev-secret"
			}
			if len(scopes) == 0 {
				scopes = httpapi.AllScopes()
			}
			token, err := httpapi.SignToken(secret, a.cfg.Group.ID, a.cfg.User.UserID, scopes, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (repeat flag); defaults to all")
	return cmd
}

// stageRecording copies src into the data dir. The message owns the copy
// and removes it on rollback or delete; src is left alone.
func (a *app) stageRecording(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("%w: recording: %v", pulse.ErrInvalidInput, err)
	}
	defer in.Close()
	dir := filepath.Join(a.cfg.Storage.DataDir, "audio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, uuid.NewString()+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	return dst, out.Close()
}

func parseDue(raw string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: due date %q", pulse.ErrInvalidInput, raw)
	}
	return t, nil
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
