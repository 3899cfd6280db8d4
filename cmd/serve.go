package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/clarify/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the clarification API server",
	Long: `Starts the clarify HTTP server with the session REST API, calibration
endpoints and the per-session WebSocket event stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer st.close(context.Background())

		srv := server.New(server.Config{
			Port:     servePort,
			DataDir:  st.cfg.DataDir,
			AllowAll: true,
		}, st.db, st.engine, st.calib, st.hub)

		// Background loops: idle session reaping, periodic recalibration
		// and answer cache compaction.
		go st.engine.RunReaper(ctx, time.Minute)
		if st.cfg.Calibration.IntervalMinutes > 0 {
			go st.calib.Run(ctx, time.Duration(st.cfg.Calibration.IntervalMinutes)*time.Minute,
				func(format string, args ...interface{}) {
					fmt.Fprintf(os.Stderr, format+"\n", args...)
				})
		}
		if st.cache != nil && st.cfg.Cache.MaxAgeDays > 0 {
			maxAge := time.Duration(st.cfg.Cache.MaxAgeDays) * 24 * time.Hour
			if n, err := st.cache.Compact(ctx, maxAge); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: compacting answer cache: %v\n", err)
			} else if n > 0 {
				fmt.Fprintf(os.Stderr, "Compacted %d expired cached answer(s)\n", n)
			}
		}

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nShutting down server...")
			srv.Shutdown(context.Background())
		}()

		fmt.Fprintf(os.Stderr, "clarify server v%s starting on port %d\n", Version, servePort)
		fmt.Fprintf(os.Stderr, "  Database: %s\n", st.cfg.DBPath())
		if st.cache != nil {
			fmt.Fprintf(os.Stderr, "  Cached answers: %d\n", st.cache.Count())
		}

		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
