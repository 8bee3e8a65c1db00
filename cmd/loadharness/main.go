package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/bundle"
	"datacatcher/ingest"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

// loadharness impersonates a set of correlator crates. Each crate holds one
// link to the catcher and sends a bundle per scan tick; all crates share the
// tick timestamp so the registry files them into the same scan. It needs no
// correlator hardware and is meant for soak and throughput runs.
func main() {
	var (
		addr       = pflag.String("addr", "127.0.0.1:7400", "catcher ingest address")
		crateList  = pflag.String("crates", "1,2,3,4", "comma separated crate ids")
		interval   = pflag.Duration("interval", 2*time.Second, "scan cadence")
		runFor     = pflag.Duration("duration", time.Minute, "how long to run the load")
		antennas   = pflag.Int("antennas", 8, "antennas per crate (baselines are all pairs)")
		channels   = pflag.Int("channels", 128, "channels per spectrum")
		chunks     = pflag.Int("chunks", 2, "correlator chunks per crate")
		jitter     = pflag.Duration("jitter", 200*time.Millisecond, "max timestamp jitter between crates")
		hiresCrate = pflag.Int("hires-chain", 0, "chain this many leading crates as Hi-Res contributors (0 disables)")
		compress   = pflag.Bool("zstd", true, "compress frame payloads")
	)
	pflag.Parse()

	crates, err := parseCrates(*crateList)
	if err != nil {
		log.Fatalf("loadharness: %v", err)
	}
	if *interval <= 0 || *runFor <= 0 {
		log.Fatalf("loadharness: interval and duration must be >0")
	}
	if *hiresCrate == 1 || *hiresCrate > len(crates) {
		log.Fatalf("loadharness: hires-chain must be 0 or between 2 and %d", len(crates))
	}

	log.Printf("loadharness: %d crates -> %s every %s for %s (%d antennas, %d chunks x %d channels, zstd=%t)",
		len(crates), *addr, *interval, *runFor, *antennas, *chunks, *channels, *compress)

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	var (
		sent    atomic.Uint64
		bytes   atomic.Uint64
		replies [256]atomic.Uint64
		wg      sync.WaitGroup
	)
	ticks := make([]chan time.Time, len(crates))
	for i, crate := range crates {
		ticks[i] = make(chan time.Time, 4)
		chain := bundle.Normal
		if *hiresCrate > 0 && i < *hiresCrate {
			chain = bundle.HiResChained(*hiresCrate, i)
		}
		spec := crateSpec{
			crate:    crate,
			chain:    chain,
			antennas: *antennas,
			chunks:   *chunks,
			channels: *channels,
			jitter:   *jitter,
		}
		wg.Add(1)
		go func(ticks <-chan time.Time) {
			defer wg.Done()
			runCrate(ctx, *addr, spec, *compress, ticks, &sent, &bytes, &replies)
		}(ticks[i])
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	scans := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			scans++
			for _, ch := range ticks {
				select {
				case ch <- now.UTC():
				default:
					log.Printf("loadharness: crate link lagging; tick dropped")
				}
			}
		}
	}
	for _, ch := range ticks {
		close(ch)
	}
	wg.Wait()

	log.Println("loadharness: complete")
	log.Printf("scans=%d bundles=%s bytes=%s", scans, humanize.Comma(int64(sent.Load())), humanize.Bytes(bytes.Load()))
	log.Printf("replies accepted=%d redundant=%d unexpected=%d rejected=%d malformed=%d",
		replies[ingest.ReplyAccepted].Load(), replies[ingest.ReplyRedundant].Load(),
		replies[ingest.ReplyUnexpected].Load(), replies[ingest.ReplyRejected].Load(),
		replies[ingest.ReplyMalformed].Load())
}

type crateSpec struct {
	crate    int
	chain    bundle.Chaining
	antennas int
	chunks   int
	channels int
	jitter   time.Duration
}

func runCrate(ctx context.Context, addr string, spec crateSpec, compress bool, ticks <-chan time.Time, sent, written *atomic.Uint64, replies *[256]atomic.Uint64) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Printf("loadharness: crate %d dial: %v", spec.crate, err)
		for range ticks {
		}
		return
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(int64(spec.crate) + time.Now().UnixNano()))
	counter := &countingWriter{w: conn, n: written}
	reader := bufio.NewReader(conn)
	for at := range ticks {
		b := makeBundle(spec, at, rng)
		if err := ingest.WriteFrame(counter, b, compress); err != nil {
			log.Printf("loadharness: crate %d write: %v", spec.crate, err)
			return
		}
		sent.Add(1)
		code, err := ingest.ReadReply(reader)
		if err != nil {
			log.Printf("loadharness: crate %d reply: %v", spec.crate, err)
			return
		}
		replies[code].Add(1)
	}
}

func makeBundle(spec crateSpec, at time.Time, rng *rand.Rand) *bundle.Bundle {
	if spec.jitter > 0 {
		at = at.Add(time.Duration(rng.Int63n(int64(spec.jitter))))
	}
	b := &bundle.Bundle{
		Crate:    spec.crate,
		Block:    1,
		Time:     at,
		Duration: 30 * time.Second,
		Chain:    spec.chain,
		Label:    "loadharness",
	}
	// Hi-Res contributors share chunk numbers; independent crates get their own.
	chunkBase := spec.crate * spec.chunks
	if spec.chain.IsHiRes() {
		chunkBase = 0
	}
	for a1 := 1; a1 <= spec.antennas; a1++ {
		for a2 := a1 + 1; a2 <= spec.antennas; a2++ {
			for _, sb := range []bundle.Sideband{bundle.LSB, bundle.USB} {
				for c := 0; c < spec.chunks; c++ {
					b.Visibilities = append(b.Visibilities, makeSpectrum(a1, a2, sb, chunkBase+c+1, spec.channels, rng))
				}
			}
		}
	}
	for a := 1; a <= spec.antennas; a++ {
		b.Ancillary = append(b.Ancillary, bundle.AntennaSample{
			Antenna: a,
			TsysLSB: 150 + 20*rng.Float32(),
			TsysUSB: 150 + 20*rng.Float32(),
		})
	}
	return b
}

func makeSpectrum(a1, a2 int, sb bundle.Sideband, chunk, channels int, rng *rand.Rand) bundle.Visibility {
	v := bundle.Visibility{
		Ant1:     a1,
		Ant2:     a2,
		Sideband: sb,
		Pol:      bundle.PolRR,
		Chunk:    chunk,
		Real:     make([]float32, channels),
		Imag:     make([]float32, channels),
	}
	phase := rng.Float64() * 2 * math.Pi
	for i := range v.Real {
		amp := 1 + 0.05*rng.NormFloat64()
		v.Real[i] = float32(amp * math.Cos(phase+float64(i)*0.01))
		v.Imag[i] = float32(amp * math.Sin(phase+float64(i)*0.01))
	}
	return v
}

func parseCrates(raw string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid crate id %q", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate crate id %d", id)
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no crates given")
	}
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}
