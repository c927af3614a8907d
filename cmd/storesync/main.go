package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/retailpoint/storesync/pkg/bdkeeper"
	"github.com/retailpoint/storesync/pkg/config"
	"github.com/retailpoint/storesync/pkg/connectivity"
	"github.com/retailpoint/storesync/pkg/console"
	"github.com/retailpoint/storesync/pkg/logger"
	"github.com/retailpoint/storesync/pkg/netedge"
	"github.com/retailpoint/storesync/pkg/remote"
	"github.com/retailpoint/storesync/pkg/services"
	"github.com/retailpoint/storesync/pkg/syncinfo"
)

func main() {
	root := &cobra.Command{
		Use:   "storesync",
		Short: "Offline-first sync engine for the retail dashboard",
	}
	root.AddCommand(consoleCmd(), drainCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	opt     *config.Options
	keeper  *bdkeeper.Keeper
	svc     *services.Service
	edge    *netedge.Edge
	monitor *connectivity.Monitor
}

func buildApp(args []string) (*app, error) {
	opt, err := config.NewConfig(args)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(opt.LogFile)
	if err != nil {
		return nil, err
	}
	db, err := bdkeeper.Open(opt.DatabasePath, "migrations")
	if err != nil {
		return nil, err
	}
	keeper := bdkeeper.NewKeeper(db)

	syncMgr, err := syncinfo.NewManager(opt.SyncInfoFile)
	if err != nil {
		return nil, err
	}
	if _, err := syncMgr.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not load last sync time: %v", err)
	}

	monitor := connectivity.NewMonitor(true)

	client, err := remote.NewClient(opt.ServerURL,
		remote.WithHTTPClient(&http.Client{Timeout: opt.RequestTimeout}))
	if err != nil {
		return nil, err
	}

	svc := services.NewServices(keeper, client, monitor, syncMgr, log, opt.RequestTimeout)
	svc.AutoDrain(context.Background())

	edge := netedge.New(keeper, nil, log, svc, opt.CacheGeneration, opt.OutboxRetention)
	edge.CacheablePrefixes = []string{"/tables/"}
	monitor.Subscribe(func(online bool) {
		if online {
			if err := edge.RetryOutbox(context.Background()); err != nil {
				log.Errorf("outbox retry failed: %v", err)
			}
		}
	})

	return &app{opt: opt, keeper: keeper, svc: svc, edge: edge, monitor: monitor}, nil
}

func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive console against the local mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args)
			if err != nil {
				return err
			}
			defer a.keeper.Close()

			ctx := cmd.Context()
			if err := a.edge.Activate(ctx); err != nil {
				return err
			}
			go a.monitor.Run(ctx, 30*time.Second, probe(a.opt.ServerURL))

			c, err := console.NewConsole(a.svc, a.monitor)
			if err != nil {
				return err
			}
			defer c.Close()
			c.Start(ctx)
			return nil
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the pending-operation queue once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(args)
			if err != nil {
				return err
			}
			defer a.keeper.Close()

			report, err := a.svc.DrainQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("drained: %d confirmed, %d failed, %d skipped\n",
				report.Confirmed, report.Failed, report.Skipped)
			return nil
		},
	}
}

func probe(serverURL string) connectivity.Probe {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, serverURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}
