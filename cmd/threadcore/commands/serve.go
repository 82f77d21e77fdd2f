package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/threadcore-ai/threadcore/internal/checkpoint"
	"github.com/threadcore-ai/threadcore/internal/config"
	"github.com/threadcore-ai/threadcore/internal/confirm"
	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/logging"
	"github.com/threadcore-ai/threadcore/internal/server"
	"github.com/threadcore-ai/threadcore/internal/session"
	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

var (
	servePort      int
	serveWorkspace string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the threadcore server",
	Long: `Start threadcore as a headless server exposing the session engine
over HTTP and SSE.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Workspace directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	// .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(serveWorkspace)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logging.Init(logCfg)
	log := logging.Component("serve")

	log.Info().Str("version", Version).Str("workspace", cfg.Workspace).Msg("starting threadcore")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	rules := confirm.Default()
	if cfg.RulesPath != "" {
		loaded, err := confirm.Load(cfg.RulesPath)
		if err != nil {
			return err
		}
		rules = loaded
	}

	bus := event.NewBus()
	defer bus.Close()

	registry := session.NewRegistry(bus, session.Deps{
		Generator:    echoGenerator{},
		Checkpoints:  checkpoint.NewCreator(cfg.Workspace, cfg.DataDir),
		Store:        trajectory.NewStore(cfg.DataDir),
		Rules:        rules,
		SaveDebounce: cfg.SaveDebounce.Std(),
	}, cfg.DefaultThread)
	registry.StartCleanup(cfg.CleanupInterval.Std(), cfg.IdleTimeout.Std())
	defer registry.Close()

	srvConfig := server.DefaultConfig()
	srvConfig.Port = cfg.Port
	srvConfig.EnableCORS = cfg.EnableCORS
	srv := server.New(srvConfig, registry, bus)

	go func() {
		log.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	return nil
}

// echoGenerator is the stand-in model used until a provider backend is
// wired: it streams the last user message back in small chunks. It lets
// the whole engine run end to end in development.
type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, s *session.Session, h *session.StreamHandle) error {
	var lastUser string
	for _, m := range s.Messages() {
		if m.Role == types.RoleUser {
			lastUser = m.Content
		}
	}
	reply := "You said: " + lastUser

	const chunk = 8
	for i := 0; i < len(reply); i += chunk {
		if h.Aborted() || ctx.Err() != nil {
			h.Finish("abort")
			return nil
		}
		end := min(i+chunk, len(reply))
		h.Emit(types.AppendContent{Text: reply[i:end]})
		time.Sleep(10 * time.Millisecond)
	}
	h.Finish("stop")
	return nil
}
