// Command idlemesh runs a node that offers its idle CPU/GPU capacity to
// peers and dispatches locally submitted tasks onto theirs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"idlemesh/internal/common"
	"idlemesh/internal/config"
	"idlemesh/pkg/api"
	"idlemesh/pkg/bulk"
	"idlemesh/pkg/capacity"
	"idlemesh/pkg/executor"
	"idlemesh/pkg/link"
	"idlemesh/pkg/machine"
	"idlemesh/pkg/metrics"
	"idlemesh/pkg/registry"
	"idlemesh/pkg/resolver"
	"idlemesh/pkg/sandbox"
	"idlemesh/pkg/scheduler"
	"idlemesh/pkg/store"
	"idlemesh/pkg/task"
	"idlemesh/pkg/types"
)

var log = logging.Logger("idlemesh")

func main() {
	cfgPath := flag.String("config", "idlemesh.yaml", "path to the YAML config file")
	flag.Parse()
	cfg, err := config.Load(*cfgPath, !flagGiven("config"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.SetLogLevelRegex("idlemesh.*", cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "log level: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("idlemesh: %v", err)
	}
	log.Info("node exited cleanly")
}

func flagGiven(name string) bool {
	given := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			given = true
		}
	})
	return given
}

func dirStore(cfg *config.Config, parts ...string) (*store.DirStore, error) {
	return store.NewDirStore(filepath.Join(append([]string{cfg.DataDir}, parts...)...))
}

func run(ctx context.Context, cfg *config.Config) error {
	priv, id, err := common.LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return err
	}
	targets, err := machine.ParseRanges(cfg.TargetRanges)
	if err != nil {
		return fmt.Errorf("targetRanges: %w", err)
	}
	accepts, err := machine.ParseRanges(cfg.AcceptRanges)
	if err != nil {
		return fmt.Errorf("acceptRanges: %w", err)
	}

	transfers, err := dirStore(cfg, "transfers")
	if err != nil {
		return err
	}
	sender := bulk.NewSender(cfg.ChunkSize, store.NewMemory(1024, cfg.TransferMemoryTTL.Duration), transfers)
	received := store.NewTiered(store.NewMemory(256, cfg.TransferMemoryTTL.Duration), transfers)

	var (
		reg   *task.Registry
		sched *scheduler.Scheduler
		exe   *executor.Executor
	)
	if *cfg.SeekCapacity {
		if reg, sched, err = dispatcherSide(cfg); err != nil {
			return err
		}
		defer reg.Close()
		go sched.Run(ctx)
	} else {
		// the API still answers; tasks just never leave the queue
		reg = task.NewRegistry(registryConfig(cfg), noResolver{})
		defer reg.Close()
	}
	if *cfg.OfferCapacity {
		if exe, err = executorSide(cfg, accepts); err != nil {
			return err
		}
		defer exe.Close()
		go sampleCPU(ctx, cfg, exe)
	}

	var (
		dispatcher machine.Dispatcher
		handler    link.Handler
	)
	if sched != nil {
		dispatcher = sched
	}
	if exe != nil {
		handler = exe
	}
	node, err := machine.New(ctx, machine.Options{
		Identity:     priv,
		Listen:       cfg.Listen,
		EnableMDNS:   *cfg.EnableMDNS,
		TargetRanges: targets,
	}, dispatcher, handler, sender, received)
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.Bootstrap(cfg.BootstrapPeers); err != nil {
		return err
	}

	if *cfg.EnableDHT {
		var boot []peer.AddrInfo
		for _, s := range cfg.BootstrapPeers {
			ai, err := peer.AddrInfoFromString(s)
			if err != nil {
				return err
			}
			boot = append(boot, *ai)
		}
		dhtReg, err := registry.New(ctx, node.Host(), registry.Config{
			Namespace: cfg.Namespace,
			Bootstrap: boot,
			Interval:  cfg.DHTInterval.Duration,
			Offer:     exe != nil,
			Seek:      sched != nil,
		}, node.HandlePeerFound)
		if err != nil {
			return err
		}
		defer dhtReg.Close()
		go dhtReg.Run(ctx)
	}

	go sweep(ctx, transfers, cfg.TransferFileTTL.Duration)

	var peers func() []scheduler.PeerInfo
	if sched != nil {
		peers = sched.Peers
	}
	var local func() capacity.Report
	if exe != nil {
		local = exe.Capacity().Snapshot
	}
	srv := api.NewServer(api.Config{PeerID: id.String()}, reg, peers, local)
	server := &http.Server{Addr: cfg.APIAddr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("API server listening on %s", cfg.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping services")
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP server forced to shutdown: %v", err)
	}
	return nil
}

func registryConfig(cfg *config.Config) task.Config {
	return task.Config{
		Timeout:           cfg.TaskTimeout.Duration,
		AutoTimeoutRetry:  cfg.AutoTimeoutRetry,
		MaxTimeoutRetries: cfg.MaxTimeoutRetries,
		AutoErrorRetry:    cfg.AutoErrorRetry,
		MaxErrorRetries:   cfg.MaxErrorRetries,
	}
}

func dispatcherSide(cfg *config.Config) (*task.Registry, *scheduler.Scheduler, error) {
	sources, err := dirStore(cfg, "cache", "sources")
	if err != nil {
		return nil, nil, err
	}
	bundles, err := dirStore(cfg, "cache", "bundles")
	if err != nil {
		return nil, nil, err
	}
	manifests, err := dirStore(cfg, "cache", "manifests")
	if err != nil {
		return nil, nil, err
	}
	res, err := resolver.New(resolver.Options{
		ProjectRoot: cfg.ProjectRoot,
		Lockfile:    cfg.Lockfile,
		Sources:     sources,
		Bundles:     bundles,
		Manifests:   manifests,
	})
	if err != nil {
		return nil, nil, err
	}
	reg := task.NewRegistry(registryConfig(cfg), res)
	sched := scheduler.New(scheduler.Config{ReclaimInterval: cfg.ReclaimStatusInterval.Duration}, nil, reg, res)
	return reg, sched, nil
}

func executorSide(cfg *config.Config, accepts machine.Ranges) (*executor.Executor, error) {
	runtime := filepath.Join(cfg.DataDir, "runtime")
	sources, err := dirStore(cfg, "runtime-cache", "sources")
	if err != nil {
		return nil, err
	}
	bundles, err := dirStore(cfg, "runtime-cache", "bundles")
	if err != nil {
		return nil, err
	}
	res, err := resolver.New(resolver.Options{ProjectRoot: runtime, Sources: sources, Bundles: bundles})
	if err != nil {
		return nil, err
	}
	inst, err := resolver.NewInstaller(runtime)
	if err != nil {
		return nil, err
	}
	gpus := *cfg.GPUCount
	if gpus < 0 {
		gpus = capacity.DetectGPUs("/sys")
	}
	sb := &sandbox.Process{Command: cfg.Sandbox.Command, Env: cfg.Sandbox.Env, RuntimeDir: runtime}
	exe := executor.New(executor.Config{
		RuntimeDir:     runtime,
		StatusCooldown: cfg.StatusReportCooldown.Duration,
		Accept:         accepts.Allows,
	}, capacity.New(0, gpus), res, inst, sb)
	log.Infof("offering %d GPU slots; CPU slots follow sampled idle cores", gpus)
	return exe, nil
}

// sampleCPU keeps the executor's CPU total in step with measured idle cores.
func sampleCPU(ctx context.Context, cfg *config.Config, exe *executor.Executor) {
	s := capacity.GopsutilSampler{Interval: cfg.CPUSampleInterval.Duration}
	last := -1
	for ctx.Err() == nil {
		n, err := capacity.SampleIdleCPU(ctx, exe.Capacity(), s, cfg.CPUIdleThreshold)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("cpu sample: %v", err)
				time.Sleep(cfg.CPUSampleInterval.Duration)
			}
			continue
		}
		if n != last {
			last = n
			exe.CapacityChanged()
		}
	}
}

func sweep(ctx context.Context, d *store.DirStore, ttl time.Duration) {
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := d.Sweep(ttl); err != nil {
				log.Warnf("sweep transfers: %v", err)
			} else if n > 0 {
				metrics.TransfersSwept.Add(float64(n))
				log.Debugf("swept %d expired transfers", n)
			}
		}
	}
}

// noResolver backs the registry of a node that only offers capacity.
type noResolver struct{}

func (noResolver) HashOf(text []byte) (string, error) { return store.Hash(text), nil }

func (noResolver) Resolve(context.Context, []byte, string) (string, string, error) {
	return "", "", fmt.Errorf("%w: this node does not dispatch tasks", types.ErrUnresolvableDependency)
}

func (noResolver) Resolved(string) (string, bool) { return "", false }
