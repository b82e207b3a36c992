package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicmsg/internal/config"
	"github.com/ehr/clinicmsg/internal/msgsync"
	"github.com/ehr/clinicmsg/internal/msgsync/remote"
	"github.com/ehr/clinicmsg/internal/platform/auth"
	"github.com/ehr/clinicmsg/internal/platform/websocket"
)

// session is a running Controller plus the transports it owns.
type session struct {
	ctrl   *msgsync.Controller
	stream *websocket.Stream
}

func (s *session) Close() {
	s.ctrl.Close()
	s.stream.Close()
}

// openSession loads client config, connects both transports and starts the
// Controller. Diagnostics go to stderr so stdout stays readable.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, os.Stderr)

	pushURL, err := cfg.ResolvedPushURL()
	if err != nil {
		return nil, err
	}
	stream := websocket.Connect(websocket.StreamConfig{
		URL:               pushURL,
		Token:             cfg.APIToken,
		ReconnectInterval: cfg.ReconnectInterval,
		Logger:            logger,
	})

	api := remote.NewClient(cfg.APIBaseURL, cfg.APIToken, remote.WithHistoryLimit(cfg.HistoryLimit))
	ctrl := msgsync.NewController(api, remote.NewPush(stream, logger),
		msgsync.WithLogger(logger),
		msgsync.WithProviderID(cfg.ProviderID),
		msgsync.WithIncludeArchived(cfg.IncludeArchived),
	)
	s := &session{ctrl: ctrl, stream: stream}
	if err := ctrl.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List conversations with unread and urgent counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			archived, _ := cmd.Flags().GetBool("archived")
			query, _ := cmd.Flags().GetString("query")

			ctx, cancel := signalContext()
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			threads := s.ctrl.Threads(msgsync.ThreadFilter{Archived: archived, Query: query})
			for _, t := range threads {
				// A failed lookup leaves the placeholder name.
				_, _ = s.ctrl.ResolvePatient(ctx, t.PatientID)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tPATIENT\tTOPIC\tUNREAD\tURGENT\tLAST MESSAGE")
			for _, t := range threads {
				urgent := ""
				if t.IsUrgent {
					urgent = "!"
				}
				last := ""
				if !t.LastMessageAt.IsZero() {
					last = humanize.Time(t.LastMessageAt) + "  " + t.LastMessageExcerpt
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, s.ctrl.PatientName(t.PatientID), t.Topic, t.UnreadCount, urgent, last)
			}
			w.Flush()

			c := s.ctrl.Counters()
			fmt.Printf("\n%s active thread(s), %s unread, %s urgent\n",
				humanize.Comma(int64(c.ThreadCount)), humanize.Comma(int64(c.UnreadTotal)), humanize.Comma(int64(c.UrgentTotal)))
			return nil
		},
	}
	cmd.Flags().Bool("archived", false, "List archived threads instead of active ones")
	cmd.Flags().StringP("query", "q", "", "Filter by topic, excerpt or patient name")
	return cmd
}

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <thread-id>",
		Short: "Print a thread's history and stream new messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ctrl.SelectThread(ctx, args[0]); err != nil {
				return err
			}

			printed := make(map[string]bool)
			flush := func() {
				for _, m := range s.ctrl.Timeline() {
					if printed[m.ID] {
						continue
					}
					printed[m.ID] = true
					printMessage(s.ctrl, m)
				}
			}
			flush()

			connected := s.ctrl.Connected()
			changes := s.ctrl.Changes()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ch, ok := <-changes:
					if !ok {
						return nil
					}
					if ch.Has(msgsync.ChangeTimeline) {
						flush()
					}
					if ch.Has(msgsync.ChangeConnection) {
						if now := s.ctrl.Connected(); now != connected {
							connected = now
							if now {
								fmt.Fprintln(os.Stderr, "-- reconnected")
							} else {
								fmt.Fprintln(os.Stderr, "-- connection lost, retrying")
							}
						}
					}
				}
			}
		},
	}
}

// printMessage prints m. Patient names resolved after m was normalized come
// from the Controller's directory.
func printMessage(ctrl *msgsync.Controller, m msgsync.Message) {
	read := " "
	if m.Read {
		read = "✓"
	}
	name := m.SenderDisplayName
	if m.SenderKind == msgsync.SenderPatient && name == msgsync.DefaultPlaceholderName {
		name = ctrl.PatientName(m.SenderID)
	}
	fmt.Printf("[%s] %s %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), read, name, m.Content)
	for _, a := range m.Attachments {
		fmt.Printf("    %s %s (%s) %s\n", a.Kind, a.Name, humanize.Bytes(uint64(max(a.SizeBytes, 0))), a.URL)
	}
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <thread-id> [message]",
		Short: "Send a message with optional file attachments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, _ := cmd.Flags().GetStringSlice("file")
			content := ""
			if len(args) == 2 {
				content = args[1]
			}

			files := make([]msgsync.FileUpload, 0, len(paths))
			for _, p := range paths {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				files = append(files, msgsync.FileUpload{
					Name:        filepath.Base(p),
					ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(p))),
					Data:        data,
				})
				fmt.Fprintf(os.Stderr, "attaching %s (%s)\n", filepath.Base(p), humanize.Bytes(uint64(len(data))))
			}

			ctx, cancel := signalContext()
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ctrl.SelectThread(ctx, args[0]); err != nil {
				return err
			}
			m, err := s.ctrl.SendMessage(ctx, content, files)
			if err != nil {
				return err
			}
			printMessage(s.ctrl, m)
			return nil
		},
	}
	cmd.Flags().StringSliceP("file", "f", nil, "File to attach (repeatable)")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <thread-id>",
		Short: "Archive a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ctrl.ArchiveThread(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Archived %s.\n", args[0])
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is required")
			}
			tok, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "User id to embed as the token subject")
	cmd.Flags().StringSlice("role", []string{auth.RoleProvider}, "Role to grant (repeatable)")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
