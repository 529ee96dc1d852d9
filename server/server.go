// Package server composes the engine: shared store, archive, ledger
// client, notifier, orchestrator and coordinator, plus the HTTP health
// surface and the Telegram front end.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mworlabs/lotteryd/config"
	"github.com/mworlabs/lotteryd/coordinator"
	"github.com/mworlabs/lotteryd/game"
	"github.com/mworlabs/lotteryd/ledger"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/monitor"
	"github.com/mworlabs/lotteryd/notify"
	"github.com/mworlabs/lotteryd/payment"
	"github.com/mworlabs/lotteryd/persistence"
	"github.com/mworlabs/lotteryd/store"
)

// App owns every long-lived component. All wiring is explicit here; no
// package-level state beyond the logger.
type App struct {
	cfg *config.Config

	store        *store.Redis
	archive      persistence.Archive
	chain        ledger.Client
	subscriber   *ledger.Subscriber
	transport    *notify.TelegramTransport
	notifier     *notify.Notifier
	payments     *payment.Ledger
	distributor  *payment.Distributor
	refundWorker *payment.RefundWorker
	orch         *game.Orchestrator
	scheduler    *game.Scheduler
	coord        *coordinator.Coordinator
	peer         *coordinator.PeerLink
	metrics      *monitor.Monitor

	httpServer *http.Server

	mu         sync.Mutex
	chatGames  map[int64]string // most recent open game per chat
}

func NewApp(cfg *config.Config) (*App, error) {
	st, err := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Game.SnapshotTTL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	archive, err := persistence.NewGormPostgreSQL(
		cfg.Database.Postgres.Host,
		cfg.Database.Postgres.Port,
		cfg.Database.Postgres.User,
		cfg.Database.Postgres.Password,
		cfg.Database.Postgres.DBName,
	)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	transport, err := notify.NewTelegramTransport(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram transport: %w", err)
	}

	metrics := monitor.NewMonitor("lotteryd")
	chain := ledger.NewRPCClient(cfg.Ledger.RPCEndpoint, cfg.Ledger.RequestTimeout, cfg.Ledger.MaxRetries)
	notifier := notify.NewNotifier(cfg.Notify, transport, metrics)
	payments := payment.NewLedger(st, chain, archive, cfg.Ledger.TokenMint, cfg.Game.PaymentDeadlineMinutes)
	distributor := payment.NewDistributor(chain, archive, notifier, metrics,
		cfg.Ledger.TreasuryWallet, cfg.Game.FeePercent, cfg.Game.InterTransferDelay)

	peer := coordinator.NewPeerLink(cfg.Coordinator.PeerAddress)
	coord := coordinator.New(cfg.Coordinator, st, peer, metrics)

	orch := game.NewOrchestrator(st, payments, distributor, chain, notifier, archive, metrics, coord, cfg.Game)
	coord.SetExecutor(&executor{orch: orch})

	app := &App{
		cfg:          cfg,
		store:        st,
		archive:      archive,
		chain:        chain,
		transport:    transport,
		notifier:     notifier,
		payments:     payments,
		distributor:  distributor,
		refundWorker: payment.NewRefundWorker(payments, notifier, metrics),
		orch:         orch,
		scheduler:    game.NewScheduler(st, orch, cfg.Game.DuePollInterval),
		coord:        coord,
		peer:         peer,
		metrics:      metrics,
		chatGames:    make(map[int64]string),
	}
	if cfg.Ledger.WSEndpoint != "" {
		app.subscriber = ledger.NewSubscriber(cfg.Ledger.WSEndpoint)
	}
	return app, nil
}

// Run starts every loop and blocks until ctx is cancelled, then shuts
// down in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := coordinator.ServePeer(ctx, a.cfg.Server.PeerRPCAddress, a.coord, &executor{orch: a.orch}); err != nil {
		return err
	}

	a.notifier.Start()
	go a.coord.Run(ctx)
	go a.scheduler.Run(ctx)
	go a.refundWorker.Run(ctx)
	if a.subscriber != nil {
		go a.subscriber.Run(ctx)
		go a.confirmationLoop(ctx)
	}
	go a.updateLoop(ctx)

	a.metrics.StartServer(a.cfg.Server.MetricsAddress)
	a.startHTTP()

	logger.Log.Infof("lotteryd instance %s (%s) up", a.cfg.Coordinator.InstanceID, a.cfg.Coordinator.Role)
	<-ctx.Done()
	return a.shutdown()
}

func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	a.httpServer = &http.Server{Addr: a.cfg.Server.HTTPAddress, Handler: mux}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Errorf("http server: %v", err)
		}
	}()
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	self := a.coord.Self()
	peer := a.coord.Peer()
	status := http.StatusOK
	if self.Status != models.InstanceRunning {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"instance":       self,
		"peer":           peer,
		"acting_primary": a.coord.ActingPrimary(),
		"queue_depth":    a.notifier.QueueDepth(),
	})
}

// confirmationLoop reacts to transaction confirmations from the ledger
// stream by sweeping awaiting payments on active games. The sweep is
// cheap and idempotent; the conditional payment updates make a double
// sweep harmless.
func (a *App) confirmationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conf, ok := <-a.subscriber.Confirmations():
			if !ok {
				return
			}
			if conf.Err != "" {
				continue
			}
			a.sweepPayments(ctx)
		}
	}
}

func (a *App) sweepPayments(ctx context.Context) {
	ids, err := a.store.ActiveGames(ctx)
	if err != nil {
		logger.Log.Warnf("list active games for sweep failed: %v", err)
		return
	}
	for _, id := range ids {
		g, err := a.store.LoadGame(ctx, id)
		if err != nil {
			continue
		}
		if g.Kind != models.GameKindPaid || g.Status.Terminal() {
			continue
		}
		for i := range g.Participants {
			p := &g.Participants[i]
			if p.PaymentRef == "" || p.Payment == models.PaymentConfirmed {
				continue
			}
			if _, err := a.coord.RouteCommand(ctx, coordinator.Command{
				Op: OpConfirmPayment, GameID: id, Reference: p.PaymentRef,
			}); err != nil {
				logger.Log.Debugf("confirm sweep %s/%s: %v", id, p.PaymentRef, err)
			}
		}
	}
}

func (a *App) shutdown() error {
	logger.Log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.httpServer != nil {
		a.httpServer.Shutdown(shutdownCtx)
	}
	a.notifier.Close()
	if a.subscriber != nil {
		a.subscriber.Close()
	}
	a.peer.Close()
	if err := a.archive.Close(); err != nil {
		logger.Log.Warnf("close archive: %v", err)
	}
	return a.store.Close()
}

// rememberGame tracks the newest open game per chat so bare commands
// like /join resolve without a game id.
func (a *App) rememberGame(chatID int64, gameID string) {
	a.mu.Lock()
	a.chatGames[chatID] = gameID
	a.mu.Unlock()
}

func (a *App) chatGame(ctx context.Context, chatID int64) (string, bool) {
	a.mu.Lock()
	id, ok := a.chatGames[chatID]
	a.mu.Unlock()
	if ok {
		return id, true
	}
	// Fall back to the shared store; the game may have been created on
	// the other instance.
	ids, err := a.store.ActiveGames(ctx)
	if err != nil {
		return "", false
	}
	for _, gid := range ids {
		g, err := a.store.LoadGame(ctx, gid)
		if err != nil {
			continue
		}
		if g.ChatID == chatID && !g.Status.Terminal() {
			a.rememberGame(chatID, gid)
			return gid, true
		}
	}
	return "", false
}
