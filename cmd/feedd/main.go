package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"mdplane-v1/config"
	"mdplane-v1/internal/bridge"
	"mdplane-v1/internal/broadcast"
	"mdplane-v1/internal/connmgr"
	"mdplane-v1/internal/feed"
	"mdplane-v1/internal/logger"
	"mdplane-v1/internal/metrics"
	"mdplane-v1/internal/model"
	"mdplane-v1/internal/pricecache"
	"mdplane-v1/internal/session"
	redisstore "mdplane-v1/internal/store/redis"
	sqlitestore "mdplane-v1/internal/store/sqlite"
	"mdplane-v1/pkg/xts"
)

// sessionTTL bounds a persisted upstream session. Provider tokens last
// the trading day; anything stored longer would be rejected anyway.
const sessionTTL = 12 * time.Hour

func main() {
	_ = godotenv.Load()
	logger.Init("feedd", logger.LevelFromEnv())
	log.Println("[feedd] starting...")

	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Instrument master (read-only; optional) ----
	var master *sqlitestore.InstrumentMaster
	if m, err := sqlitestore.Open(cfg.SQLitePath); err != nil {
		log.Printf("[feedd] WARNING: instrument master unavailable: %v (symbols degrade to seg:token)", err)
	} else {
		master = m
		defer master.Close()
	}

	// ---- Redis session store (optional) ----
	var sessions *redisstore.SessionStore
	if s, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}); err != nil {
		log.Printf("[feedd] WARNING: redis init failed: %v (continuing with fresh logins)", err)
	} else {
		sessions = s
		defer sessions.Close()
	}

	var redisClient *goredis.Client
	if sessions != nil {
		redisClient = sessions.Client()
	}
	var sqlDB *sql.DB
	if master != nil {
		sqlDB = master.DB()
	}
	health.StartLivenessChecker(ctx, redisClient, sqlDB, 10*time.Second)

	// ---- Upstream REST client, session bootstrap ----
	client := xts.NewClient(xts.Config{
		AppKey:     cfg.XTSAppKey,
		SecretKey:  cfg.XTSSecretKey,
		Source:     cfg.XTSSource,
		BaseURL:    cfg.XTSBaseURL,
		RatePerSec: cfg.RestRatePerSec,
	})
	if sessions != nil {
		if token, userID, err := sessions.LoadSession(ctx); err != nil {
			log.Printf("[feedd] WARNING: session load failed: %v", err)
		} else if token != "" {
			client.SetSession(token, userID)
			log.Printf("[feedd] reusing stored session, user=%s", userID)
		}
	}
	if token, _ := client.Session(); token == "" {
		loginCtx, loginCancel := context.WithTimeout(ctx, 15*time.Second)
		err := client.Login(loginCtx)
		loginCancel()
		if err != nil {
			log.Fatalf("[feedd] login failed: %v", err)
		}
		persistSession(ctx, sessions, client)
	}
	refresh := func(ctx context.Context) error {
		if err := client.Login(ctx); err != nil {
			return err
		}
		persistSession(ctx, sessions, client)
		return nil
	}

	// ---- Price cache and fan-out handler ----
	cache := pricecache.New(prom)
	handler := feed.NewHandler(prom)

	var lastTickNanos atomic.Int64
	cache.SetOnUpdate(func(t *model.MarketTick) {
		lastTickNanos.Store(time.Now().UnixNano())
		handler.OnTick(t)
	})

	// ---- Session phase tracker ----
	tracker := session.NewTracker()
	tracker.OnChange = func(seg model.Segment, p model.SessionPhase) {
		log.Printf("[feedd] %s session phase: %s", seg, p)
	}

	// ---- Subscription bridge ----
	br := bridge.New(bridge.Config{
		GlobalCap:          cfg.GlobalCap,
		MaxRestCallsPerSec: cfg.RestRatePerSec,
		BatchSize:          cfg.BatchSize,
		BatchInterval:      time.Duration(cfg.BatchIntervalMs) * time.Millisecond,
		Cooldown:           time.Duration(cfg.CooldownMs) * time.Millisecond,
		MaxRetries:         cfg.MaxRetries,
	}, client, prom)
	br.OnStats = health.SetSubscriptions

	// ---- Multicast receivers ----
	// mgr is assigned below; receiver state events only start flowing
	// after Start, well past the assignment.
	var mgr *connmgr.Manager
	sink := model.Sink{
		Tick: func(t *model.MarketTick) { cache.Update(t) },
		Index: func(ix *model.IndexTick) {
			if ix.Token == 0 {
				return // name-keyed index, nothing to merge
			}
			cache.Update(indexAsTick(ix))
		},
		Circuit: cache.UpdateCircuit,
		Session: tracker.Apply,
	}
	udpSvc, err := broadcast.NewService(broadcast.Config{
		Groups: map[model.Segment]string{
			model.NSECM: cfg.McastNSECM,
			model.NSEFO: cfg.McastNSEFO,
			model.BSECM: cfg.McastBSECM,
			model.BSEFO: cfg.McastBSEFO,
		},
	}, sink, prom, func(id model.EndpointID, st model.ConnState, detail string) {
		if mgr != nil {
			mgr.SetEndpointState(id, st, detail)
		}
	})
	if err != nil {
		log.Fatalf("[feedd] broadcast setup failed: %v", err)
	}

	// ---- Connection manager ----
	indexKeys := indexKeySet(ctx, cfg, master)
	mgr = connmgr.New(connmgr.Config{
		InitialPrimary: cfg.InitialPrimary(),
		GlobalCap:      cfg.GlobalCap,
		IndexTokens:    indexKeys,
	}, br, handler, udpSvc, prom)
	mgr.OnStateChanged = func(id model.EndpointID, st model.ConnState, detail string) {
		if id == model.EndpointMarketDataWS {
			health.SetWSConnected(st == model.StateConnected)
		}
	}
	mgr.RegisterEndpoint(model.EndpointMarketDataWS, cfg.XTSWSURL)
	mgr.RegisterEndpoint(model.EndpointUDPNSECM, cfg.McastNSECM)
	mgr.RegisterEndpoint(model.EndpointUDPNSEFO, cfg.McastNSEFO)
	mgr.RegisterEndpoint(model.EndpointUDPBSECM, cfg.McastBSECM)
	mgr.RegisterEndpoint(model.EndpointUDPBSEFO, cfg.McastBSEFO)

	// First subscriber opens the tap, last one closes it.
	handler.OnFirstSubscriber(func(key model.CompositeKey) {
		udpSvc.SubscribeToken(key.Segment(), key.Token())
		br.RequestSubscribe(key.Token(), key.Segment(), 0)
	})
	handler.OnLastUnsubscribe(func(key model.CompositeKey) {
		udpSvc.UnsubscribeToken(key.Segment(), key.Token())
		br.RequestUnsubscribe(key.Token(), key.Segment(), 0)
	})

	// ---- Upstream WS feed ----
	var wsPackets atomic.Uint64
	feedClient := xts.NewFeedClient(xts.FeedConfig{URL: cfg.XTSWSURL}, client.Session, refresh, prom)
	feedClient.OnTick = func(t *model.MarketTick) {
		wsPackets.Add(1)
		cache.Update(t)
	}
	feedClient.OnCandle = func(c *model.Candle) {
		slog.Debug("candle",
			"key", c.Key().String(),
			"ts", c.TS,
			"close", c.Close,
			"volume", c.Volume)
	}
	feedClient.OnState = mgr.FeedStateFn()

	// ---- Start the plane ----
	br.Start()
	mgr.Start()
	if cfg.InitialPrimary() == model.UDPPrimary {
		if err := udpSvc.Start(); err != nil {
			log.Fatalf("[feedd] multicast start failed: %v", err)
		}
	}
	feedClient.Start()

	// WS-primary startup has no migration to carry the index set, so
	// request it here; the bridge dedupes against watch-token requests.
	if cfg.InitialPrimary() == model.WSPrimary {
		for _, key := range indexKeys {
			br.RequestSubscribe(key.Token(), key.Segment(), 0)
		}
	}

	// ---- Watch-token subscriptions ----
	watchKeys := config.ParseKeys(cfg.WatchTokens)
	for _, key := range watchKeys {
		symbol := key.String()
		if master != nil {
			symbol = master.SymbolFor(ctx, key)
		}
		handler.Subscribe(key.Segment(), key.Token(), "watch", watchLogger(symbol))
	}
	if cfg.InitialPrimary() == model.WSPrimary && len(watchKeys) > 0 {
		go warmCache(ctx, client, cache, watchKeys)
	}

	go sweepStale(ctx, cache, time.Duration(cfg.StaleSweepSec)*time.Second)
	go refreshHealth(ctx, health, mgr, tracker, udpSvc, &wsPackets, &lastTickNanos)

	log.Printf("[feedd] primary=%s cap=%d rest=%d/s batch=%d every %dms",
		mgr.Current(), cfg.GlobalCap, cfg.RestRatePerSec, cfg.BatchSize, cfg.BatchIntervalMs)
	log.Printf("[feedd] watching %d instruments, %d index tokens pinned", len(watchKeys), len(indexKeys))
	log.Printf("[feedd] metrics and healthz on %s", cfg.MetricsAddr)
	log.Println("[feedd] running, ctrl-c to stop")

	<-sigCh
	log.Println("[feedd] shutdown signal received")
	cancel()

	feedClient.Stop()
	mgr.Stop()
	br.Stop()
	udpSvc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[feedd] shutdown complete.")
}

// persistSession stores the live session so a restart inside its
// validity skips the login call. No-op without redis.
func persistSession(ctx context.Context, sessions *redisstore.SessionStore, client *xts.Client) {
	if sessions == nil {
		return
	}
	token, userID := client.Session()
	if err := sessions.SaveSession(ctx, token, userID, sessionTTL); err != nil {
		log.Printf("[feedd] WARNING: session save failed: %v", err)
	}
}

// indexKeySet merges the configured index tokens with the instrument
// master's per-segment index sets, env entries first.
func indexKeySet(ctx context.Context, cfg *config.Config, master *sqlitestore.InstrumentMaster) []model.CompositeKey {
	keys := config.ParseKeys(cfg.IndexTokens)
	if master == nil {
		return keys
	}
	seen := make(map[model.CompositeKey]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, seg := range []model.Segment{model.NSECM, model.NSEFO, model.BSECM, model.BSEFO} {
		tokens, err := master.IndexTokens(ctx, seg)
		if err != nil {
			log.Printf("[feedd] WARNING: index tokens for %s: %v", seg, err)
			continue
		}
		for _, tok := range tokens {
			k := model.MakeKey(seg, tok)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// indexAsTick reshapes a token-keyed index broadcast for the price
// cache merge.
func indexAsTick(ix *model.IndexTick) *model.MarketTick {
	return &model.MarketTick{
		Segment:   ix.Segment,
		Token:     ix.Token,
		LTP:       ix.Value,
		Open:      ix.Open,
		High:      ix.High,
		Low:       ix.Low,
		PrevClose: ix.PrevClose,
		Flags:     model.FlagLTP | model.FlagOHLC | model.FlagPrevClose,
	}
}

// watchLogger samples one watched instrument's stream: first tick, then
// every thousandth, enough to show life without drowning the journal.
func watchLogger(symbol string) feed.DeliveryFn {
	var n atomic.Uint64
	return func(t *model.MarketTick) {
		c := n.Add(1)
		if c == 1 || c%1000 == 0 {
			slog.Info("tick",
				"symbol", symbol,
				"ltp", t.LTP,
				"volume", t.Volume,
				"ticks", c)
		}
	}
}

// warmCache primes watched instruments from REST quotes so subscribers
// see a price before the first live tick lands.
func warmCache(ctx context.Context, client *xts.Client, cache *pricecache.Cache, keys []model.CompositeKey) {
	qCtx, qCancel := context.WithTimeout(ctx, 10*time.Second)
	defer qCancel()

	instruments := make([]xts.Instrument, len(keys))
	for i, k := range keys {
		instruments[i] = xts.InstrumentFor(k)
	}
	ticks, err := client.GetQuotes(qCtx, instruments, xts.CodeTouchline)
	if err != nil {
		log.Printf("[feedd] WARNING: quote warmup failed: %v", err)
		return
	}
	for i := range ticks {
		cache.Update(&ticks[i])
	}
	log.Printf("[feedd] cache warmed with %d quotes", len(ticks))
}

// sweepStale evicts cache entries that stopped ticking, sized to catch
// expired contracts without touching live ones.
func sweepStale(ctx context.Context, cache *pricecache.Cache, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.ClearStale(maxAge); n > 0 {
				log.Printf("[feedd] cleared %d stale cache entries", n)
			}
		}
	}
}

// refreshHealth mirrors live state onto /healthz and feeds the endpoint
// activity counters from the receivers' cumulative packet counts.
func refreshHealth(ctx context.Context, health *metrics.HealthStatus, mgr *connmgr.Manager,
	tracker *session.Tracker, udpSvc *broadcast.Service, wsPackets *atomic.Uint64, lastTick *atomic.Int64) {

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var prevUDP [model.EndpointCount]uint64
	var prevWS uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range udpSvc.Stats() {
				if d := st.Packets - prevUDP[st.Endpoint]; d > 0 {
					mgr.RecordActivity(st.Endpoint, d)
				}
				prevUDP[st.Endpoint] = st.Packets
			}
			cur := wsPackets.Load()
			if d := cur - prevWS; d > 0 {
				mgr.RecordActivity(model.EndpointMarketDataWS, d)
			}
			prevWS = cur

			health.SetEndpoints(mgr.Snapshot())
			health.SetPrimarySource(mgr.Current())
			health.SetSessionPhase(tracker.Overall())
			if n := lastTick.Load(); n > 0 {
				health.SetLastTickTime(time.Unix(0, n))
			}
		}
	}
}
