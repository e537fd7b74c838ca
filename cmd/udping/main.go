// Command udping is a datagram self-test for a fabric endpoint. Without a
// peer it sends to its own queue pair through the loopback address handle;
// with --peer it fetches the remote endpoint's routing info over UDP and
// pings that instead. A second udping instance acts as the responder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/ratelimit"

	"github.com/fabrpc/fabrpc/internal/config"
	"github.com/fabrpc/fabrpc/internal/hugealloc"
	"github.com/fabrpc/fabrpc/internal/sm"
	"github.com/fabrpc/fabrpc/internal/telemetry"
	"github.com/fabrpc/fabrpc/internal/transport"
	"github.com/fabrpc/fabrpc/internal/verbs"
)

func main() {
	flagSet := pflag.NewFlagSet("udping", pflag.ExitOnError)
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("version", false, "Print version and exit")
	flagSet.Bool("create-config", false, "Write a default configuration file and exit")
	flagSet.String("config-output", "endpoint.yaml", "Path for --create-config")
	flagSet.String("peer", "", "Peer session address to ping; empty pings the local queue pair")
	flagSet.Int("count", 16, "Number of datagrams to send")
	flagSet.Int("size", 256, "Payload bytes per datagram")
	flagSet.Bool("respond", false, "Serve routing info until interrupted instead of pinging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Println("fabrpc udping v0.1.0")
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultEndpointConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	configPath, _ := flagSet.GetString("config")
	cfg, err := config.LoadEndpointConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	peer, _ := flagSet.GetString("peer")
	count, _ := flagSet.GetInt("count")
	size, _ := flagSet.GetInt("size")
	respond, _ := flagSet.GetBool("respond")

	if err := run(cfg, peer, count, size, respond); err != nil {
		log.Fatal().Err(err).Msg("udping failed")
	}
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func run(cfg *config.EndpointConfig, peer string, count, size int, respond bool) error {
	if size <= 0 || size > transport.MTU {
		return fmt.Errorf("payload size must be between 1 and %d", transport.MTU)
	}

	mode := transport.ModeInfiniBand
	if cfg.Mode == "roce" {
		mode = transport.ModeRoCE
	}

	t, err := transport.New(cfg.RPCID, cfg.PhyPort, &transport.Options{
		Mode:       mode,
		ProbeWrID:  cfg.ProbeWrID,
		ProbeErrno: cfg.ProbeErrno,
	})
	if err != nil {
		return err
	}

	alloc := hugealloc.New(0, t.Registrar())
	rxRing := make([][]byte, transport.NumRxRingEntries)
	if err := t.InitHugepageStructures(alloc, rxRing); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var metrics *telemetry.Metrics
	if cfg.OtelEnabled {
		metrics, err = telemetry.NewMetrics(ctx, fmt.Sprintf("udping-%d", cfg.RPCID), cfg.OtelCollector)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	responder, err := sm.NewResponder(cfg.SessionAddr, t)
	if err != nil {
		return err
	}
	defer responder.Close()
	go func() {
		if err := responder.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Session responder stopped")
		}
	}()

	if respond {
		log.Info().Str("addr", responder.Addr()).Msg("Serving routing info; press Ctrl-C to stop")
		<-ctx.Done()
		return shutdown(t, alloc)
	}

	ri, err := targetRoutingInfo(ctx, cfg, t, peer)
	if err != nil {
		return err
	}

	if err := ping(ctx, t, alloc, rxRing, ri, metrics, count, size); err != nil {
		return err
	}
	return shutdown(t, alloc)
}

// targetRoutingInfo resolves the destination: the peer's blob fetched over
// UDP, or the transport's own addressing for a loopback run.
func targetRoutingInfo(ctx context.Context, cfg *config.EndpointConfig, t *transport.Transport, peer string) (*transport.RoutingInfo, error) {
	var ri transport.RoutingInfo
	if peer == "" {
		t.FillLocalRoutingInfo(&ri)
		log.Info().Stringer("target", &ri).Msg("Pinging local queue pair")
	} else {
		fetchCtx, cancel := context.WithTimeout(ctx,
			time.Duration(cfg.SessionRetryMax)*time.Second/time.Duration(cfg.SessionRateHz))
		defer cancel()

		p, err := sm.Fetch(fetchCtx, peer, t, ratelimit.New(cfg.SessionRateHz))
		if err != nil {
			return nil, err
		}
		ri = p.Info
		log.Info().Uint8("peer_rpc_id", p.RPCID).Stringer("target", &ri).Msg("Fetched peer routing info")
	}

	if err := t.ResolveRemoteRoutingInfo(&ri); err != nil {
		return nil, err
	}
	return &ri, nil
}

func ping(ctx context.Context, t *transport.Transport, alloc *hugealloc.Allocator,
	rxRing [][]byte, ri *transport.RoutingInfo, metrics *telemetry.Metrics, count, size int) error {

	msgBuf, err := alloc.Alloc(hugealloc.HugepageSize)
	if err != nil {
		return err
	}
	payload := unsafe.Slice((*byte)(unsafe.Pointer(msgBuf.Addr)), size)
	for i := range payload {
		payload[i] = byte(i)
	}

	var wc [transport.Postlist]verbs.WC
	received := 0
	start := time.Now()

	for seq := 0; seq < count; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := t.TxBurst([]transport.TxBurstItem{{
			Routing: ri,
			Addr:    uint64(msgBuf.Addr),
			Length:  uint32(size),
			LKey:    msgBuf.LKey,
			Imm:     uint32(seq),
		}})
		if err != nil {
			return err
		}
		if metrics != nil {
			metrics.RecordTxBurst(ctx, 1)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			n, err := t.RxBurst(wc[:])
			if err != nil {
				return err
			}
			if n > 0 {
				received += n
				if metrics != nil {
					metrics.RecordRxBurst(ctx, n)
				}
				logSenders(t, wc[:n])
				if err := t.PostRecvs(n); err != nil {
					return err
				}
				if metrics != nil {
					metrics.RecordPostedRecvs(ctx, n)
				}
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for datagram %d", seq)
			}
		}
	}

	if err := t.TxFlush(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	log.Info().
		Int("sent", count).
		Int("received", received).
		Dur("elapsed", elapsed).
		Str("avg_rtt", (elapsed / time.Duration(count)).String()).
		Msg("Ping complete")
	return nil
}

// logSenders reports the sender addressing of RoCE arrivals. The routing
// header sits just before each completion's payload in the receive ring.
func logSenders(t *transport.Transport, wc []verbs.WC) {
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		return
	}
	for i := range wc {
		if !wc[i].GRH {
			continue
		}
		region, err := t.GRHRegion(wc[i].ID)
		if err != nil {
			log.Warn().Err(err).Msg("Cannot locate routing header")
			continue
		}
		info, err := transport.ParseGRH(region)
		if err != nil {
			log.Warn().Err(err).Msg("Cannot parse routing header")
			continue
		}
		log.Debug().
			Hex("src_gid", info.SrcGID[:]).
			Uint32("src_qp", wc[i].SrcQP).
			Msg("Datagram sender")
	}
}

// shutdown releases resources in dependency order: registrations before the
// protection domain they live in.
func shutdown(t *transport.Transport, alloc *hugealloc.Allocator) error {
	if err := alloc.Close(); err != nil {
		return err
	}
	return t.Close()
}
