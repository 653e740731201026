// Command e2e exercises the whole job subsystem against real backing
// services: a persistent store, the NATS Streaming bridge and the cron
// scheduler. It keeps submitting test and refresh jobs at a
// configurable rate and logs the store statistics until interrupted.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pinsetter/pinsetter"
	"github.com/pinsetter/pinsetter/jobs"
	"github.com/pinsetter/pinsetter/mongodb"
	"github.com/pinsetter/pinsetter/msgqueue"
	"github.com/pinsetter/pinsetter/mysql"
	"github.com/pinsetter/pinsetter/scheduler"
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./e2e")
	v.SetEnvPrefix("PINSETTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.url", "")
	v.SetDefault("store.debug", false)
	v.SetDefault("executor.workers", 4)
	v.SetDefault("executor.queue", 16)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.clusterID", "test-cluster")
	v.SetDefault("nats.clientID", "pinsetter-e2e")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.monitorURL", "http://localhost:8222")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.clustered", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
	v.SetDefault("load.fillTime", 5*time.Second)
	v.SetDefault("load.runTime", 2*time.Second)
	v.SetDefault("load.failureRate", 0.05)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithError(err).Fatal("unable to read config file")
		}
	}
	return v
}

func newStore(v *viper.Viper) (pinsetter.Store, error) {
	switch v.GetString("store.type") {
	case "memory":
		return pinsetter.NewInMemoryStore(), nil
	case "mysql":
		var options []mysql.StoreOption
		if v.GetBool("store.debug") {
			options = append(options, mysql.SetDebug(true))
		}
		return mysql.NewStore(v.GetString("store.url"), options...)
	case "mongodb":
		return mongodb.NewStore(v.GetString("store.url"))
	}
	return nil, errors.Errorf("unsupported store type %q", v.GetString("store.type"))
}

// sleepyRefresher stands in for the real pool refresh: it sleeps for a
// while and fails at the configured rate.
type sleepyRefresher struct {
	runTime     time.Duration
	failureRate float64
}

func (r *sleepyRefresher) RefreshPools(ownerKey string, lazyRegen bool) error {
	time.Sleep(time.Duration(rand.Int63n(r.runTime.Nanoseconds())))
	if rand.Float64() < r.failureRate {
		return errors.Errorf("refresh failed for owner %s", ownerKey)
	}
	return nil
}

func main() {
	v := loadConfig()

	if level, err := log.ParseLevel(v.GetString("log.level")); err == nil {
		log.SetLevel(level)
	}
	rand.Seed(time.Now().UnixNano())

	store, err := newStore(v)
	if err != nil {
		log.WithError(err).Fatal("unable to initialize store")
	}

	registry := pinsetter.NewRegistry()
	refresher := &sleepyRefresher{
		runTime:     v.GetDuration("load.runTime"),
		failureRate: v.GetFloat64("load.failureRate"),
	}
	if err := jobs.Register(registry, store, refresher); err != nil {
		log.WithError(err).Fatal("unable to register jobs")
	}

	executor := pinsetter.NewExecutor(store, registry,
		pinsetter.SetWorkers(v.GetInt("executor.workers")),
		pinsetter.SetQueueCapacity(v.GetInt("executor.queue")),
	)
	if err := executor.Start(); err != nil {
		log.WithError(err).Fatal("unable to start executor")
	}
	defer executor.Close()

	kernel := scheduler.New(scheduler.Config{
		Enabled:   v.GetBool("scheduler.enabled"),
		Clustered: v.GetBool("scheduler.clustered"),
	}, store, registry, executor)
	if err := kernel.Startup(); err != nil {
		log.WithError(err).Fatal("unable to start scheduler")
	}
	defer kernel.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// The queue bridge is optional: without NATS the load generator
	// falls back to one-shot dispatch through the scheduler.
	var factory *msgqueue.Factory
	if v.GetBool("nats.enabled") {
		cfg := msgqueue.Config{
			ClusterID:  v.GetString("nats.clusterID"),
			ClientID:   v.GetString("nats.clientID"),
			URL:        v.GetString("nats.url"),
			MonitorURL: v.GetString("nats.monitorURL"),
		}
		pool := msgqueue.NewSessionPool(cfg)
		defer pool.Close()
		factory = msgqueue.NewFactory(store, registry, pool, cfg)

		var receivers []*msgqueue.Receiver
		for _, key := range registry.Keys() {
			def, err := registry.Resolve(key)
			if err != nil || def.Type != pinsetter.MessagingType {
				continue
			}
			recv, err := msgqueue.NewReceiver(key, executor, pool, cfg)
			if err != nil {
				log.WithError(err).Fatalf("unable to subscribe receiver for %s", key)
			}
			receivers = append(receivers, recv)
		}
		defer func() {
			for _, recv := range receivers {
				recv.Close()
			}
		}()
	}

	// Submit load
	g.Go(func() error {
		return submitLoad(ctx, v.GetDuration("load.fillTime"), factory, kernel)
	})

	// Print stats
	g.Go(func() error {
		return logStats(ctx, store)
	})

	// Metrics endpoint
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: v.GetString("metrics.addr"), Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.WithField("addr", srv.Addr).Info("metrics listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.WithError(err).Error("exit with error")
		os.Exit(1)
	}
	log.Info("exiting")
}

// submitLoad keeps submitting refresh and test jobs. With a factory the
// jobs travel through the message queue; otherwise they are dispatched
// as one-shots by the scheduler kernel.
func submitLoad(ctx context.Context, fillTime time.Duration, factory *msgqueue.Factory, kernel *scheduler.Kernel) error {
	var cnt int
	for {
		delay := time.Duration(rand.Int63n(fillTime.Nanoseconds()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		cnt++
		owner := fmt.Sprintf("owner-%02d", rand.Intn(10))
		key := jobs.RefreshPoolsKey
		if cnt%5 == 0 {
			key = jobs.TestJobKey
		}
		configure := func(status *pinsetter.JobStatus) {
			status.TargetType = "OWNER"
			status.TargetID = owner
			status.Principal = "e2e"
			status.CorrelationID = fmt.Sprintf("#%05d", cnt)
		}

		var err error
		if factory != nil {
			_, err = factory.Submit(key, configure)
		} else {
			_, err = kernel.ScheduleSingleJob(key, configure)
		}
		if err != nil {
			return err
		}
	}
}

func logStats(ctx context.Context, store pinsetter.Store) error {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss, err := store.Stats(&pinsetter.StatsRequest{})
			if err == nil {
				fmt.Printf("Pending=%6d Queued=%6d Running=%6d Finished=%6d Failed=%6d Canceled=%6d\n",
					ss.Pending,
					ss.Queued,
					ss.Running,
					ss.Finished,
					ss.Failed,
					ss.Canceled)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
