package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"syncstress/internal/simstore"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Serve a simulated key/value store",
	Long: `Serve an in-memory key/value store on /kv/{key} with an optional
read-through cache in front of it. Without --invalidate, writes leave cached
values behind for up to --cache-ttl, which shows up as stale reads.`,
	RunE: runSim,
}

func init() {
	f := simCmd.Flags()
	f.IntP("port", "p", 8080, "Port to listen on")
	f.String("addr", "", "Listen address, overrides --port (e.g. 127.0.0.1:8080)")
	f.Duration("cache-ttl", 0, "Read cache TTL (0 disables the cache)")
	f.Bool("invalidate", false, "Invalidate the cache on writes")
	f.Float64("error-rate", 0, "Share of requests answered with 500")
	f.Float64("corrupt-rate", 0, "Share of reads answered with a mangled value")
	f.Duration("min-latency", 0, "Minimum added latency per request")
	f.Duration("max-latency", 0, "Maximum added latency per request")
}

func runSim(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	cfg := simstore.ServerConfig{}
	cfg.Addr, _ = f.GetString("addr")
	if cfg.Addr == "" {
		port, _ := f.GetInt("port")
		cfg.Addr = fmt.Sprintf(":%d", port)
	}
	cfg.CacheTTL, _ = f.GetDuration("cache-ttl")
	cfg.Invalidate, _ = f.GetBool("invalidate")
	cfg.ErrorRate, _ = f.GetFloat64("error-rate")
	cfg.CorruptRate, _ = f.GetFloat64("corrupt-rate")
	cfg.MinLatency, _ = f.GetDuration("min-latency")
	cfg.MaxLatency, _ = f.GetDuration("max-latency")
	if cfg.MaxLatency < cfg.MinLatency {
		return fmt.Errorf("max-latency %s is below min-latency %s", cfg.MaxLatency, cfg.MinLatency)
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := simstore.New(cfg, log)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("🗄️  simulated store on http://%s (Ctrl+C to stop)\n", srv.Addr())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}

	st := srv.Stats()
	log.Info("simulated store stopped",
		zap.Int("keys", st.Keys),
		zap.Uint64("writes", st.Writes),
		zap.Uint64("reads", st.Reads),
		zap.Uint64("cache_hits", st.CacheHits),
		zap.Uint64("injected_errors", st.Injected),
		zap.Uint64("corrupted_reads", st.Corrupted))
	return nil
}
