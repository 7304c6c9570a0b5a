package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	h3 "github.com/uber/h3-go/v4"
)

type Config struct {
	TargetURL      string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	Offices        int
	Ring           int
	Resolution     int
	Radius         float64
	JitterMetres   float64
	RequestTimeout time.Duration
	Out            string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/v1/pois", "poi-server /v1/pois URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Offices, "offices", 64, "Distinct office locations in pool")
	flag.IntVar(&cfg.Ring, "ring", 2, "H3 grid disk size around each city centre")
	flag.IntVar(&cfg.Resolution, "res", 8, "H3 resolution used to place offices")
	flag.Float64Var(&cfg.Radius, "radius", 800, "Search radius in metres")
	flag.Float64Var(&cfg.JitterMetres, "jitter", 20, "Per-request GPS jitter in metres")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 35*time.Second, "Per-request timeout")
	flag.StringVar(&cfg.Out, "out", "", "Optional summary JSON path")
	flag.Parse()
	return cfg
}

type office struct{ Lat, Lng float64 }

var cityCentres = []office{
	{59.3293, 18.0686}, // Stockholm
	{57.7089, 11.9746}, // Göteborg
	{55.6050, 13.0038}, // Malmö
	{63.8258, 20.2630}, // Umeå
}

// makeOffices spreads offices over the H3 cells around each city centre so
// the pool covers distinct cache buckets.
func makeOffices(count, ring, res int) ([]office, error) {
	var pool []office
	for _, c := range cityCentres {
		origin, err := h3.LatLngToCell(h3.NewLatLng(c.Lat, c.Lng), res)
		if err != nil {
			return nil, fmt.Errorf("cell for %.4f,%.4f: %w", c.Lat, c.Lng, err)
		}
		disk, err := h3.GridDisk(origin, ring)
		if err != nil {
			return nil, fmt.Errorf("grid disk: %w", err)
		}
		for _, cell := range disk {
			ll, err := cell.LatLng()
			if err != nil {
				return nil, fmt.Errorf("cell centre: %w", err)
			}
			pool = append(pool, office{Lat: ll.Lat, Lng: ll.Lng})
		}
	}
	if count > 0 && count < len(pool) {
		pool = pool[:count]
	}
	return pool, nil
}

// jitter moves p by up to metres in a random direction.
func jitter(p office, metres float64, r *rand.Rand) office {
	if metres <= 0 {
		return p
	}
	d := r.Float64() * metres
	theta := r.Float64() * 2 * math.Pi
	dLat := d * math.Cos(theta) / 111_320
	dLng := d * math.Sin(theta) / (111_320 * math.Cos(p.Lat*math.Pi/180))
	return office{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}

type sample struct {
	Latency time.Duration
	Status  int
	Hit     bool
	Err     bool
}

type summary struct {
	StartTime     time.Time `json:"start"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	Hits          int64     `json:"hits"`
	HitRatio      float64   `json:"hit_ratio"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Offices       int       `json:"offices"`
	TargetURL     string    `json:"target"`
}

func summarize(samples []sample) summary {
	var s summary
	lat := make([]float64, 0, len(samples))
	for _, x := range samples {
		s.TotalRequests++
		if x.Err || x.Status < 200 || x.Status >= 300 {
			s.ErrorCount++
			continue
		}
		s.SuccessCount++
		if x.Hit {
			s.Hits++
		}
		lat = append(lat, float64(x.Latency.Microseconds())/1000.0)
	}
	if s.SuccessCount > 0 {
		s.HitRatio = float64(s.Hits) / float64(s.SuccessCount)
	}
	sort.Float64s(lat)
	s.P50Ms = percentile(lat, 50)
	s.P95Ms = percentile(lat, 95)
	s.P99Ms = percentile(lat, 99)
	return s
}

func main() {
	cfg := loadConfig()

	offices, err := makeOffices(cfg.Offices, cfg.Ring, cfg.Resolution)
	if err != nil {
		log.Fatalf("build office pool: %v", err)
	}
	if len(offices) == 0 {
		log.Fatalf("no offices generated")
	}
	imax := uint64(len(offices)) - 1

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 128,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	seed := time.Now().UnixNano()
	samplesChan := make(chan sample, 1024)
	var (
		mu      sync.Mutex
		samples []sample
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for s := range samplesChan {
			mu.Lock()
			samples = append(samples, s)
			mu.Unlock()
		}
	}()

	start := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d offices=%d radius=%.0f jitter=%.0fm",
		cfg.TargetURL, cfg.Duration, cfg.Concurrency, len(offices), cfg.Radius, cfg.JitterMetres)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				p := jitter(offices[int(zipf.Uint64())], cfg.JitterMetres, r)

				u, _ := url.Parse(cfg.TargetURL)
				q := u.Query()
				q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
				q.Set("lng", strconv.FormatFloat(p.Lng, 'f', 6, 64))
				q.Set("radius", strconv.FormatFloat(cfg.Radius, 'f', -1, 64))
				u.RawQuery = q.Encode()

				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
				req.Header.Set("X-Request-ID", uuid.NewString())
				t0 := time.Now()
				resp, err := httpClient.Do(req)
				s := sample{Latency: time.Since(t0)}
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.Err = true
				} else {
					s.Status = resp.StatusCode
					s.Hit = resp.Header.Get("X-Cache") == "HIT"
					_, _ = io.Copy(io.Discard, resp.Body)
					_ = resp.Body.Close()
				}
				select {
				case samplesChan <- s:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}
	wg.Wait()
	close(samplesChan)
	<-done

	elapsed := time.Since(start).Seconds()
	mu.Lock()
	sum := summarize(samples)
	mu.Unlock()
	sum.StartTime = start.UTC()
	sum.DurationSec = elapsed
	sum.ThroughputRPS = float64(sum.TotalRequests) / elapsed
	sum.Offices = len(offices)
	sum.TargetURL = cfg.TargetURL

	log.Printf("done: total=%d succ=%d err=%d hit_ratio=%.3f thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		sum.TotalRequests, sum.SuccessCount, sum.ErrorCount, sum.HitRatio, sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms)

	if cfg.Out != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Out), 0o750); err != nil {
			log.Fatalf("mkdir results: %v", err)
		}
		f, err := os.Create(filepath.Clean(cfg.Out))
		if err != nil {
			log.Fatalf("create summary: %v", err)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		_ = f.Close()
		log.Printf("wrote %s", cfg.Out)
	}
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
