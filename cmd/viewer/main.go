package main

import (
	"bufio"
	"context"
	"docviewer/internal/adapters/tracker"
	"docviewer/internal/config"
	"docviewer/internal/core/bookmarks"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/service"
	httpserver "docviewer/internal/interface/http"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs.
type app struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdin: stdin, stdout: stdout}

	root := &cobra.Command{
		Use:          "viewer",
		Short:        "Protected document viewer",
		SilenceUsage: true,
	}
	root.SetOut(stdout)

	pf := root.PersistentFlags()
	pf.String(config.KeyServerURL, "", "document server base URL (DV_SERVER_URL)")
	pf.String(config.KeyUsername, "", "basic auth user (DV_USERNAME)")
	pf.String(config.KeyPassword, "", "basic auth password (DV_PASSWORD)")
	pf.String(config.KeyLogLevel, "", "debug, info, warn or error (DV_LOG_LEVEL)")
	pf.String(config.KeyWatermark, "", "watermark text stamped on every page (DV_WATERMARK_TEXT)")
	pf.String(config.KeyEngine, "", "rasterization engine: poppler or image (DV_ENGINE)")
	pf.String(config.KeyStateDSN, "", "SQLite DSN for reading positions and incidents (DV_STATE_DSN)")
	pf.String(config.KeyContainerSize, "", "container size as WIDTHxHEIGHT")
	if err := a.v.BindPFlags(pf); err != nil {
		log.Fatalf("failed to bind flags: %v", err)
	}

	root.AddCommand(
		a.viewCmd(),
		a.serveCmd(),
		a.bookmarksCmd(),
		a.licenseCmd(),
		a.downloadCmd(),
		a.incidentsCmd(),
	)
	return root
}

func (a *app) config() (*config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	if err := config.ApplyOverrides(cfg, a.v); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore returns nil when persistence is disabled.
func openStore(cfg *config.Config) (*tracker.Store, error) {
	if cfg.StateDSN == "" {
		return nil, nil
	}
	store, err := tracker.Open(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

// session is a viewer plus the store behind it.
type session struct {
	cfg    *config.Config
	viewer *service.ViewerService
	store  *tracker.Store
}

func (s *session) Close() {
	if err := s.viewer.Close(); err != nil {
		log.Printf("failed to close viewer: %v", err)
	}
	if s.store != nil {
		s.store.Close()
	}
}

func (a *app) newSession() (*session, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	var state service.StateStore
	if store != nil {
		state = store
	}
	viewer, err := service.NewViewer(cfg, state, licenseRedirect{out: a.stdout, serverURL: cfg.ServerURL})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	viewer.Bus().Subscribe(a.printNotice)
	return &session{cfg: cfg, viewer: viewer, store: store}, nil
}

func (a *app) printNotice(e events.Event) {
	if e.Kind == events.NoticeRaised && e.Notice != nil {
		fmt.Fprintf(a.stdout, "[%s] %s\n", e.Notice.Level, e.Notice.Message)
	}
}

// licenseRedirect points the user at the license page of the server.
type licenseRedirect struct {
	out       io.Writer
	serverURL string
}

func (r licenseRedirect) RedirectToLicense(reason string, snap models.LicenseSnapshot) {
	fmt.Fprintf(r.out, "%s. Visit %s/license to manage the license.\n", reason, strings.TrimRight(r.serverURL, "/"))
	if snap.Message != "" {
		fmt.Fprintln(r.out, snap.Message)
	}
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) viewCmd() *cobra.Command {
	var (
		page  int
		scale string
		out   string
	)
	cmd := &cobra.Command{
		Use:   "view DOCUMENT_ID",
		Short: "Render one page of a document to a PNG file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()
			return a.view(cmd.Context(), s.viewer, args[0], page, scale, out)
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "page to render; 0 resumes from the last position")
	cmd.Flags().StringVar(&scale, "scale", "", `zoom factor, "fit" or "auto"`)
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default page-N.png)")
	return cmd
}

func (a *app) view(ctx context.Context, viewer *service.ViewerService, documentID string, page int, scale, out string) error {
	var override *models.Scale
	if scale != "" {
		s, err := models.ParseScale(scale)
		if err != nil {
			return err
		}
		override = &s
	}

	// Positions are saved on render completion.
	viewer.Start(ctx)

	if _, err := viewer.Open(ctx, documentID, page); err != nil {
		return err
	}
	if override != nil {
		viewer.Coordinator().SetScale(*override)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := viewer.Coordinator().WaitIdle(waitCtx); err != nil {
		return fmt.Errorf("render did not finish: %w", err)
	}

	st := viewer.Coordinator().State()
	img := viewer.Coordinator().Surface().Composite()
	if img == nil || st.DisplayedPage == 0 {
		return fmt.Errorf("page %d could not be rendered", st.Page)
	}
	if out == "" {
		out = fmt.Sprintf("page-%d.png", st.DisplayedPage)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: page %d of %d at %s (%.2fx) -> %s\n", st.Title, st.DisplayedPage, st.PageCount, st.Scale, st.ResolvedScale, out)
	return nil
}

func (a *app) serveCmd() *cobra.Command {
	var (
		documentID string
		page       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loopback control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s.viewer.Start(ctx)
			if documentID != "" {
				if _, err := s.viewer.Open(ctx, documentID, page); err != nil {
					return err
				}
			}

			var incidents ports.IncidentLog
			if s.store != nil {
				incidents = s.store
			}
			return httpserver.NewServer(s.viewer, incidents).Run(ctx, s.cfg.ListenAddr)
		},
	}
	cmd.Flags().String(config.KeyListenAddr, "", "listen address (DV_LISTEN_ADDR)")
	cmd.Flags().StringVar(&documentID, "document", "", "document to open on start")
	cmd.Flags().IntVar(&page, "page", 0, "start page for --document")
	if err := a.v.BindPFlag(config.KeyListenAddr, cmd.Flags().Lookup(config.KeyListenAddr)); err != nil {
		log.Fatalf("failed to bind flags: %v", err)
	}
	return cmd
}

func (a *app) bookmarksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookmarks",
		Short: "List, add and remove bookmarks",
	}

	list := &cobra.Command{
		Use:   "list DOCUMENT_ID",
		Short: "List bookmarks of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sync, err := a.bookmarkSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, sync.Affordance().Label)
			for _, b := range sync.List() {
				fmt.Fprintf(a.stdout, "%d\tpage %d\t%s\n", b.ID, b.Page, b.Name)
			}
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add DOCUMENT_ID PAGE [NAME]",
		Short: "Bookmark a page",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil || page < 1 {
				return fmt.Errorf("PAGE must be a positive integer")
			}
			name := fmt.Sprintf("Page %d", page)
			if len(args) == 3 {
				name = args[2]
			}
			sync, err := a.bookmarkSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			b, err := sync.Create(cmd.Context(), page, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%d\tpage %d\t%s\n", b.ID, b.Page, b.Name)
			return nil
		},
	}

	var yes bool
	rm := &cobra.Command{
		Use:   "rm DOCUMENT_ID BOOKMARK_ID",
		Short: "Remove a bookmark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("BOOKMARK_ID must be an integer")
			}
			sync, err := a.bookmarkSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			confirmer := a.stdinConfirmer()
			if yes {
				confirmer = ports.ConfirmFunc(func(string) bool { return true })
			}
			deleted, err := sync.Delete(cmd.Context(), id, confirmer)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintln(a.stdout, "Cancelled")
			}
			return nil
		},
	}
	rm.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(list, add, rm)
	return cmd
}

func (a *app) bookmarkSync(ctx context.Context, documentID string) (*bookmarks.Sync, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	bus.Subscribe(a.printNotice)
	sync := bookmarks.NewSync(service.CreateBackend(cfg), bus, nil)
	sync.Load(ctx, documentID)
	return sync, nil
}

func (a *app) stdinConfirmer() ports.Confirmer {
	reader := bufio.NewReader(a.stdin)
	return ports.ConfirmFunc(func(prompt string) bool {
		fmt.Fprintf(a.stdout, "%s [y/N] ", prompt)
		line, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	})
}

func (a *app) licenseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "license",
		Short: "Check the license status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			bus := events.NewBus()
			bus.Subscribe(a.printNotice)
			gate := service.NewLicenseGate(service.CreateBackend(cfg), licenseRedirect{out: a.stdout, serverURL: cfg.ServerURL}, bus)
			snap, err := gate.Check(ctx)
			if err != nil {
				return err
			}
			return a.writeJSON(snap)
		},
	}
}

func (a *app) downloadCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download DOCUMENT_ID",
		Short: "Save the server-watermarked copy of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()
			path, err := s.viewer.Download(ctx, args[0], dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to save into")
	return cmd
}

func (a *app) incidentsCmd() *cobra.Command {
	var (
		documentID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List recorded capture attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("incident log is disabled (DV_STATE_DSN is empty)")
			}
			defer store.Close()

			list, err := store.ListIncidents(ctx, documentID, limit)
			if err != nil {
				return err
			}
			for _, in := range list {
				fmt.Fprintf(a.stdout, "%s\t%s\t%s\tattempt %d\tsession %s\n",
					in.CreatedAt.Format(time.RFC3339), in.Kind, in.DocumentID, in.Attempt, in.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "only incidents for this document")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of incidents")
	return cmd
}
