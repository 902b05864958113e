package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"valora/internal/config"
	"valora/internal/db"
	"valora/internal/domain"
	"valora/internal/engine"
	"valora/internal/engine/auth"
	"valora/internal/feed"
	"valora/internal/migrate"
	"valora/internal/repo"
	"valora/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "valora",
	Short: "Valora CLI",
	Long: `Valora runs health-state valuation interviews on field devices.
Core concepts:
- Workspace: the .valora directory holding the local SQLite store; the device
  works entirely against it, online or not.
- Study: the valuation study with its protocol config (TTO tasks, DCE pairs,
  health states, quality thresholds), imported from valora.yml into the DB.
- Session: one respondent's interview, stepping consent -> warmup -> practice
  -> tto -> feedback -> dce -> demographics -> complete.
- TTO: time trade-off tasks; the slider position becomes a value in [-1, 1],
  with the lead-time branch for states worse than death.
- Queue: offline mutations buffer durably and replay in order with
  'valora queue replay' once the sync link returns.
- Review: admins approve, flag, or reject completed sessions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VALORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", auth.RoleInterviewer, "actor role (interviewer, admin)")
	rootCmd.PersistentFlags().String("study", "", "study id (defaults to the single local study)")
	rootCmd.PersistentFlags().Bool("offline", false, "buffer mutations in the offline queue instead of writing")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("study", rootCmd.PersistentFlags().Lookup("study"))
	_ = viper.BindPFlag("offline", rootCmd.PersistentFlags().Lookup("offline"))
}

func registerCommands() {
	rootCmd.AddCommand(studyCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- study ---

func studyCmd() *cobra.Command {
	study := &cobra.Command{Use: "study", Short: "Manage studies"}
	study.AddCommand(studyInitCmd())
	study.AddCommand(studyListCmd())
	study.AddCommand(studyShowCmd())
	study.AddCommand(studyStatusCmd())
	study.AddCommand(studyConfigCmd())
	return study
}

func studyInitCmd() *cobra.Command {
	var id, name, desc, configFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.FromFile(configFile)
				if err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.InitStudy(ctx, engine.StudyInitOptions{
					ID:          id,
					Name:        name,
					Description: desc,
				}, cfg, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "study id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "study name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&configFile, "config", "", "path to protocol config YAML")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func studyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStudies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func studyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a study",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStudy(ctx, e.Config.Study.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func studyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show study progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountSessionsByStatus(ctx, e.Config.Study.ID)
				if err != nil {
					return err
				}
				depth, err := e.Queue.Depth(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"study_id":       e.Config.Study.ID,
						"session_counts": counts,
						"queue_depth":    depth,
					})
				}
				fmt.Printf("Study: %s\n", e.Config.Study.ID)
				fmt.Println("Sessions:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Queued offline actions: %d\n", depth)
				return nil
			})
		},
	}
}

func studyConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage study protocol config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(studyConfigImportCmd())
	return cfg
}

func studyConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import protocol config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				studyID := cfg.Study.ID
				if studyID == "" {
					studyID = e.Config.Study.ID
				}
				if err := e.Repo.UpsertStudyConfig(ctx, studyID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- session ---

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage interview sessions",
		Long:  "A session is one respondent's interview. It advances through the protocol steps one at a time; steps that collect data refuse to advance until the response is recorded (or durably queued while offline).",
	}
	session.AddCommand(sessionStartCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionShowCmd())
	session.AddCommand(sessionAdvanceCmd())
	session.AddCommand(sessionBackCmd())
	session.AddCommand(sessionAbandonCmd())
	session.AddCommand(sessionNoteCmd())
	return session
}

func sessionStartCmd() *cobra.Command {
	var opts engine.SessionStartOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.StudyID == "" {
					opts.StudyID = viper.GetString("study")
				}
				s, err := e.StartSession(ctx, opts, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "session id (optional)")
	cmd.Flags().StringVar(&opts.StudyID, "study", "", "study id")
	cmd.Flags().StringVar(&opts.RespondentCode, "respondent", "", "respondent code")
	cmd.Flags().StringVar(&opts.Language, "language", "", "interview language")
	_ = cmd.MarkFlagRequired("respondent")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f domain.SessionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSessions(ctx, f, currentActor(ctx, e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Respondent", "Status", "Step", "Task", "Quality"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.RespondentCode, s.Status, s.CurrentStep, s.TTOTaskCursor, s.QualityStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StudyID, "study", "", "study filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.QualityStatus, "quality", "", "quality status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session with all responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.SessionDetail(ctx, args[0], currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func sessionAdvanceCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance the session one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AdvanceStep(ctx, engine.StepAdvanceOptions{
					SessionID: args[0],
					From:      from,
				}, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "the step the client is leaving")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func sessionBackCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "back <id>",
		Short: "Move the session back to an earlier step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.BackStep(ctx, engine.StepBackOptions{
					SessionID: args[0],
					To:        to,
				}, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target step")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sessionAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <id>",
		Short: "Abandon the session, keeping collected responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AbandonSession(ctx, args[0], currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionNoteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Attach an interviewer note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AddNote(ctx, engine.NoteAddOptions{
					SessionID: args[0],
					Note:      note,
				}, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&note, "text", "", "note text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// --- record ---

func recordCmd() *cobra.Command {
	record := &cobra.Command{
		Use:   "record",
		Short: "Record interview responses",
	}
	record.AddCommand(recordEQ5DCmd())
	record.AddCommand(recordTTOCmd())
	record.AddCommand(recordDCECmd())
	record.AddCommand(recordDemographicsCmd())
	return record
}

func recordEQ5DCmd() *cobra.Command {
	var opts engine.EQ5DRecordOptions
	cmd := &cobra.Command{
		Use:   "eq5d <session-id>",
		Short: "Record the EQ-5D-5L warm-up response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SessionID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordEQ5D(ctx, opts, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Mobility, "mobility", 0, "mobility level (1-5)")
	cmd.Flags().IntVar(&opts.SelfCare, "self-care", 0, "self-care level (1-5)")
	cmd.Flags().IntVar(&opts.Activities, "activities", 0, "usual activities level (1-5)")
	cmd.Flags().IntVar(&opts.Pain, "pain", 0, "pain/discomfort level (1-5)")
	cmd.Flags().IntVar(&opts.Anxiety, "anxiety", 0, "anxiety/depression level (1-5)")
	cmd.Flags().IntVar(&opts.VASScore, "vas", 0, "visual analogue scale score (0-100)")
	return cmd
}

func recordTTOCmd() *cobra.Command {
	var opts engine.TTORecordOptions
	cmd := &cobra.Command{
		Use:   "tto <session-id>",
		Short: "Confirm one TTO task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SessionID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordTTO(ctx, opts, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().IntVar(&opts.TaskNumber, "task", 0, "task number (must match the session cursor)")
	cmd.Flags().StringVar(&opts.HealthState, "state", "", "health state code (defaults from study config)")
	cmd.Flags().BoolVar(&opts.WorseThanDeath, "worse-than-death", false, "respondent judged the state worse than dead")
	cmd.Flags().Float64Var(&opts.Years, "years", 0, "slider position in years")
	cmd.Flags().IntVar(&opts.MovesCount, "moves", 0, "slider move count")
	cmd.Flags().IntVar(&opts.TimeSpentSeconds, "seconds", 0, "time spent on the task")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func recordDCECmd() *cobra.Command {
	var opts engine.DCERecordOptions
	cmd := &cobra.Command{
		Use:   "dce <session-id>",
		Short: "Record one discrete-choice pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SessionID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordDCE(ctx, opts, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().IntVar(&opts.PairNumber, "pair", 0, "pair number")
	cmd.Flags().StringVar(&opts.HealthStateA, "state-a", "", "health state A")
	cmd.Flags().StringVar(&opts.HealthStateB, "state-b", "", "health state B")
	cmd.Flags().StringVar(&opts.Choice, "choice", "", `chosen alternative ("a" or "b")`)
	_ = cmd.MarkFlagRequired("pair")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func recordDemographicsCmd() *cobra.Command {
	var opts engine.DemographicsRecordOptions
	var region string
	cmd := &cobra.Command{
		Use:   "demographics <session-id>",
		Short: "Record the demographics questionnaire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SessionID = args[0]
			if cmd.Flags().Changed("region") {
				opts.Region = &region
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordDemographics(ctx, opts, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgeBand, "age-band", "", "age band")
	cmd.Flags().StringVar(&opts.Gender, "gender", "", "gender")
	cmd.Flags().StringVar(&opts.EducationLevel, "education", "", "education level")
	cmd.Flags().StringVar(&opts.EmploymentStatus, "employment", "", "employment status")
	cmd.Flags().StringVar(&region, "region", "", "region")
	return cmd
}

// --- queue ---

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Offline action queue",
		Long:  "Mutations made with --offline are buffered here in order. Replay drains them against the store once connectivity is back; each action applies at most once.",
	}
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueReplayCmd())
	q.AddCommand(queueResetCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pending, err := e.Repo.ListPendingActions(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pending)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Session", "Type", "Target", "Enqueued"})
				for _, a := range pending {
					tw.AppendRow(table.Row{a.Seq, a.ID, a.SessionID, a.Type, a.TargetTable, a.EnqueuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued actions against the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReplayQueue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("applied %d, skipped %d, rejected %d\n", res.Applied, res.Skipped, len(res.Rejected))
				for _, id := range res.Rejected {
					fmt.Printf("  rejected: %s\n", id)
				}
				return nil
			})
		},
	}
}

func queueResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop all queued actions (unsynced work is lost)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("queue reset drops unsynced work; pass --yes to confirm")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dropped, err := e.Queue.Reset(ctx, "manual reset by "+viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("dropped %d queued actions\n", dropped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// --- review ---

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Quality review of completed sessions",
	}
	review.AddCommand(reviewSetCmd())
	review.AddCommand(reviewPendingCmd())
	return review
}

func reviewSetCmd() *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "set <session-id>",
		Short: "Set the quality status (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var notesPtr *string
			if cmd.Flags().Changed("notes") {
				notesPtr = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetQualityStatus(ctx, engine.QualityReviewOptions{
					SessionID: args[0],
					Status:    status,
					Notes:     notesPtr,
				}, currentActor(ctx, e))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "quality status (pending, approved, flagged, rejected)")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func reviewPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List completed sessions awaiting review (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingReview(ctx, e.Config.Study.ID, currentActor(ctx, e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Respondent", "Interviewer", "Completed"})
				for _, s := range items {
					completed := ""
					if s.CompletedAt != nil {
						completed = *s.CompletedAt
					}
					tw.AppendRow(table.Row{s.ID, s.RespondentCode, s.InterviewerID, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	logc.AddCommand(logTailCmd())
	logc.AddCommand(logWatchCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				latest, err := e.Repo.LatestEventID(ctx, "")
				if err != nil {
					return err
				}
				after := latest - int64(n)
				if after < 0 {
					after = 0
				}
				events, err := e.Repo.EventsAfter(ctx, n, after, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func logWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream changes from the event log until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := feed.New(e.Repo, viper.GetString("study"))
				f.Interval = interval
				ch, cancel := f.Subscribe(64)
				defer cancel()
				go f.Run(ctx)
				for {
					select {
					case <-ctx.Done():
						return nil
					case c, ok := <-ch:
						if !ok {
							return nil
						}
						if viper.GetBool("json") {
							_ = printJSON(c)
							continue
						}
						fmt.Printf("%s %s %s/%s\n", c.TS, c.Type, c.Table, c.RecordID)
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the sync server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key prints once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key for %s (%s): %s\n", actorID, role, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&role, "role", auth.RoleInterviewer, "role carried by the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("VALORA_JWT_SECRET"),
					AllowLegacyActorHeader: allowActorHeader,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("VALORA_JWT_SECRET is required unless --allow-actor-header is set")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Valora API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id identity (local use only)")
	return cmd
}

// --- helpers ---

// withEngine opens the workspace store, resolves the study config stored in
// the DB (falling back to valora.yml, then defaults), and hands the caller a
// wired engine.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := resolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, nil)
	if viper.GetBool("offline") {
		e.Online = func() bool { return false }
	}
	return fn(ctx, e)
}

func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	studyID := strings.TrimSpace(viper.GetString("study"))
	if studyID == "" {
		if study, err := r.SingleStudy(ctx); err == nil {
			studyID = study.ID
		}
	}
	if studyID != "" {
		if cfg, err := r.GetStudyConfig(ctx, studyID); err == nil {
			return cfg, nil
		}
	}
	if cfg, err := config.LoadOptional(workspace); err != nil {
		return nil, err
	} else if cfg != nil {
		return cfg, nil
	}
	if studyID == "" {
		studyID = "local"
	}
	return config.Default(studyID), nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// currentActor resolves the acting identity: the stored role wins over the
// --role flag so a key issued as interviewer cannot claim admin.
func currentActor(ctx context.Context, e engine.Engine) auth.Actor {
	id := viper.GetString("actor-id")
	role, err := e.Auth.ActorRole(ctx, id)
	if err != nil || role == "" {
		role = viper.GetString("role")
	}
	if !auth.ValidRole(role) {
		role = auth.RoleInterviewer
	}
	return auth.Actor{ID: id, Role: role}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
