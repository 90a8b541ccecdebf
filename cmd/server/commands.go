package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wakala/paysettle/internal/api"
	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/remittance"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/seed"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pipeline consumers and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			router := api.NewRouter(api.Deps{
				Payments:   repository.NewPaymentRepo(a.db),
				Ledger:     repository.NewLedgerRepo(a.db),
				Outbox:     repository.NewOutboxRepo(a.db),
				Ingestion:  ingestion.NewService(a.publisher, a.cfg.Remittance.Currency),
				Exceptions: a.exceptions,
				Remittance: a.remittance,
				Broker:     a.broker,
				Currency:   a.cfg.Remittance.Currency,
			})
			port := a.cfg.HTTP.Port
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			workersDone := make(chan error, 1)
			go func() { workersDone <- a.runWorkers(ctx) }()

			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			log.Printf("Paysettle payment pipeline")
			log.Printf("Listening on http://localhost:%d", port)
			log.Printf("API base: http://localhost:%d/api/v1", port)
			log.Printf("")
			log.Printf("Endpoints:")
			log.Printf("  POST   /api/v1/payments")
			log.Printf("  POST   /api/v1/payments/lockbox")
			log.Printf("  GET    /api/v1/payments/{key}")
			log.Printf("  GET    /api/v1/outbox")
			log.Printf("  GET    /api/v1/exceptions")
			log.Printf("  GET    /api/v1/exceptions/summary")
			log.Printf("  POST   /api/v1/exceptions/{id}/retry|edit-retry|purge|resolve")
			log.Printf("  POST   /api/v1/contracts/{id}/cycles")
			log.Printf("  POST   /api/v1/cycles/{id}/calculate|lock|exports|send|settle")
			log.Printf("  GET    /api/v1/exports/{id}")
			log.Printf("  GET    /api/v1/exports/{id}/verify")
			log.Printf("  GET    /healthz")

			select {
			case err := <-serveErr:
				if err != nil {
					stop()
					<-workersDone
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}

			log.Printf("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("WARNING: http shutdown: %v", err)
			}
			return <-workersDone
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline consumers and the outbox dispatcher without HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Printf("Paysettle worker connected to %s", a.broker.State())
			return a.runWorkers(ctx)
		},
	}
}

func remitCmd(configPath *string) *cobra.Command {
	var (
		formats  []string
		outDir   string
		contract string
	)
	cmd := &cobra.Command{
		Use:   "remit",
		Short: "Open, calculate, lock and export the current cycle of every contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := []string{contract}
			if contract == "" {
				if ids, err = a.remittance.ListContractIDs(ctx); err != nil {
					return err
				}
			}

			var failed []string
			for _, id := range ids {
				if err := remitContract(ctx, cmd, a, id, formats, outDir); err != nil {
					log.Printf("[remit] WARNING: contract %s: %v", id, err)
					failed = append(failed, id)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("remittance failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&formats, "format", "f", []string{"csv", "xml", "xlsx"}, "export formats")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "also write exports to this directory")
	cmd.Flags().StringVar(&contract, "contract", "", "only this contract")
	return cmd
}

func remitContract(ctx context.Context, cmd *cobra.Command, a *app, contractID string, formats []string, outDir string) error {
	cycle, err := a.remittance.InitiateCycle(ctx, contractID, time.Now().UTC())
	if errors.Is(err, remittance.ErrOpenCycleExists) {
		cycle, err = openCycle(ctx, a, contractID)
	}
	if errors.Is(err, remittance.ErrPeriodRemitted) {
		log.Printf("[remit] %s: %v, skipping", contractID, err)
		return nil
	}
	if err != nil {
		return err
	}

	detail, err := a.remittance.CalculateWaterfall(ctx, cycle.ID)
	if err != nil {
		return err
	}
	if _, err := a.remittance.LockCycle(ctx, cycle.ID); err != nil {
		return err
	}

	code := a.cfg.Remittance.Currency
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s..%s  loans=%d  collected=%s  investor=%s  servicer=%s\n",
		cycle.ID, cycle.PeriodStart, cycle.PeriodEnd, detail.Cycle.LoanCount,
		currency.Format(detail.Cycle.TotalCollectedMinor, code),
		currency.Format(detail.Cycle.InvestorDueMinor, code),
		currency.Format(detail.Cycle.ServicerFeeMinor, code))

	for _, f := range formats {
		e, err := a.remittance.GenerateExport(ctx, cycle.ID, domain.ExportFormat(strings.ToLower(f)))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-4s %s  %s  sha256=%s\n", e.Format, e.ID, humanize.Bytes(uint64(e.Size)), e.SHA256)
		if outDir == "" {
			continue
		}
		full, err := a.remittance.GetExport(ctx, e.ID)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, fmt.Sprintf("remittance-%s-%s.%s", contractID, cycle.PeriodEnd, e.Format))
		if err := os.WriteFile(path, full.Content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

func openCycle(ctx context.Context, a *app, contractID string) (*domain.RemittanceCycle, error) {
	cycles, err := a.remittance.ListCycles(ctx, contractID)
	if err != nil {
		return nil, err
	}
	for i := range cycles {
		if cycles[i].Status == domain.CycleOpen {
			return &cycles[i], nil
		}
	}
	return nil, fmt.Errorf("open cycle for %s: %w", contractID, repository.ErrNotFound)
}

func settleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <cycle-id>",
		Short: "Settle a locked remittance cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.remittance.SettleRemittance(ctx, args[0])
			if err != nil {
				return err
			}
			code := a.cfg.Remittance.Currency
			fmt.Fprintf(cmd.OutOrStdout(), "%s settled: paid %s to %s, retained %s\n",
				c.ID, currency.Format(c.InvestorDueMinor, code), c.InvestorID,
				currency.Format(c.ServicerFeeMinor, code))
			return nil
		},
	}
}

func seedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load investor contracts, waterfall rules and loans from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if file == "" {
				file = a.cfg.Seed.Path
			}
			res, err := seed.LoadFile(ctx, a.db, file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %s contracts and %s loans\n",
				humanize.Comma(int64(res.Contracts)), humanize.Comma(int64(res.Loans)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture path (default seed.path)")
	return cmd
}
