package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/mediactl/internal/client"
	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/observability"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	network  string
	address  string
	token    string
	clientID string
	admin    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mediactl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	defaults := client.DefaultConfig()
	root := &cobra.Command{
		Use:           "mediactl",
		Short:         "Talk to a running mediad",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.network, "network", defaults.Network, "channel network: unix|tcp")
	root.PersistentFlags().StringVar(&flags.address, "addr", defaults.Address, "channel address")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "hello token")
	root.PersistentFlags().StringVar(&flags.clientID, "client-id", "", "client id (random when empty)")
	root.PersistentFlags().StringVar(&flags.admin, "admin", "http://127.0.0.1:7400", "admin base url")

	root.AddCommand(newPingCmd(flags), newCodecsCmd(flags), newProfilesCmd(flags), newSessionsCmd(flags), newRunCmd(flags))
	return root
}

func (f *globalFlags) dial(ctx context.Context) (*client.Channel, error) {
	logger := observability.InitLogger("mediactl")
	cfg := client.DefaultConfig()
	cfg.Network = f.network
	cfg.Address = f.address
	cfg.Token = f.token
	cfg.ClientID = f.clientID
	cfg.Logger = &logger
	return client.Dial(ctx, cfg)
}

func newPingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip one call over the channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()
			start := time.Now()
			if err := ch.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", flags.address, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

func newCodecsCmd(flags *globalFlags) *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "codecs",
		Short: "List the daemon codec catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var typ media.SessionType
			if typeName != "" {
				parsed, ok := media.ParseSessionType(typeName)
				if !ok {
					return fmt.Errorf("unknown session type %q", typeName)
				}
				typ = parsed
			}
			ch, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()
			entries, err := ch.ListCodecs(cmd.Context(), typ)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMIME\tKIND\tENGINE\tSESSIONS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Mime, e.Kind, e.Engine, strings.Join(e.Sessions, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "filter by session type")
	return cmd
}

func newProfilesCmd(flags *globalFlags) *cobra.Command {
	var quality string
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the daemon recorder profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch strings.ToLower(quality) {
			case "", config.QualityLow, config.QualityHigh:
			default:
				return fmt.Errorf("unknown quality %q", quality)
			}
			ch, err := flags.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer ch.Close()
			profiles, err := ch.ListProfiles(cmd.Context(), quality)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tQUALITY\tFORMAT\tVIDEO\tAUDIO")
			for _, p := range profiles {
				video, audio := "-", "-"
				if p.VideoMime != "" {
					video = fmt.Sprintf("%s %dx%d@%d", p.VideoMime, p.Width, p.Height, p.FrameRate)
				}
				if p.AudioMime != "" {
					audio = fmt.Sprintf("%s %dHz/%dch", p.AudioMime, p.SampleRate, p.Channels)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Quality, p.Format, video, audio)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&quality, "quality", "", "filter by quality: low|high")
	return cmd
}

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions through the admin endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			httpClient := &http.Client{Timeout: 5 * time.Second}
			resp, err := httpClient.Get(strings.TrimRight(flags.admin, "/") + "/sessions")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("admin returned %s", resp.Status)
			}
			var body struct {
				Sessions []manager.SessionInfo `json:"sessions"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode sessions: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tOWNER\tENGINE\tSTATE\tPENDING")
			for _, s := range body.Sessions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Type, s.Owner, s.Engine, s.State, s.Pending)
			}
			return w.Flush()
		},
	}
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		mime   string
		engine string
		frames int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Push frames through a codec session and report what comes back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ch, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()
			return runCodec(ctx, ch, cmd, mime, engine, frames)
		},
	}
	cmd.Flags().StringVar(&mime, "mime", "video/avc", "codec mime type")
	cmd.Flags().StringVar(&engine, "engine", "", "engine backend (daemon default when empty)")
	cmd.Flags().IntVar(&frames, "frames", 10, "frames to queue")
	return cmd
}
