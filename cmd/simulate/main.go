package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/config"
	"github.com/hackgods/telecare/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	LockRatio     float64
	FinalizeRatio float64
	CancelRatio   float64
	ReadRatio     float64
	Patients      int
	Doctors       int
	SlotsPerDay   int
	JWTSecret     string
}

type Patient struct {
	ID    uuid.UUID
	Token string
}

// heldLock is a lock the simulator won and may finalize or cancel.
type heldLock struct {
	ID      uuid.UUID
	Patient Patient
	SlotKey string
}

type DataPool struct {
	Patients []Patient
	Doctors  []uuid.UUID
	Date     string
	Times    []string

	mu        sync.Mutex
	held      []heldLock
	finalized map[string]int // slot key -> successful finalizations
}

func (dp *DataPool) AddHeld(l heldLock) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.held = append(dp.held, l)
}

// TakeHeld removes and returns a random held lock.
func (dp *DataPool) TakeHeld(rng *rand.Rand) (heldLock, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.held) == 0 {
		return heldLock{}, false
	}
	idx := rng.Intn(len(dp.held))
	l := dp.held[idx]
	dp.held[idx] = dp.held[len(dp.held)-1]
	dp.held = dp.held[:len(dp.held)-1]
	return l, true
}

func (dp *DataPool) RecordFinalized(slotKey string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.finalized[slotKey]++
}

// DoubleBooked lists slots finalized more than once.
func (dp *DataPool) DoubleBooked() []string {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	var out []string
	for key, n := range dp.finalized {
		if n > 1 {
			out = append(out, fmt.Sprintf("%s x%d", key, n))
		}
	}
	sort.Strings(out)
	return out
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	return min(n*p/100, n-1)
}

type Metrics struct {
	Lock         OperationMetrics
	Finalize     OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load base config")
	}
	log := logging.New(baseCfg.Env, baseCfg.LogLevel, "simulate")

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("lock", cfg.LockRatio).
		Float64("finalize", cfg.FinalizeRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	dataPool, err := newDataPool(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build data pool")
	}
	log.Info().
		Int("patients", len(dataPool.Patients)).
		Int("doctors", len(dataPool.Doctors)).
		Int("slots", len(dataPool.Doctors)*len(dataPool.Times)).
		Msg("data pool ready")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	if ok := sim.PrintReport(); !ok {
		os.Exit(1)
	}
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		LockRatio:     getFloat("SIM_LOCK_RATIO", 0.5),
		FinalizeRatio: getFloat("SIM_FINALIZE_RATIO", 0.2),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.2),
		Patients:      getInt("SIM_PATIENTS", 200),
		Doctors:       getInt("SIM_DOCTORS", 3),
		SlotsPerDay:   getInt("SIM_SLOTS_PER_DAY", 4),
		JWTSecret:     base.JWTSecret,
	}

	// Normalize ratios
	total := cfg.LockRatio + cfg.FinalizeRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.LockRatio /= total
		cfg.FinalizeRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 || cfg.Doctors <= 0 {
		return fmt.Errorf("SIM_PATIENTS and SIM_DOCTORS must be > 0")
	}
	if cfg.SlotsPerDay <= 0 || cfg.SlotsPerDay > 16 {
		return fmt.Errorf("SIM_SLOTS_PER_DAY must be between 1 and 16")
	}
	return nil
}

// newDataPool mints patient tokens and a deliberately small slot grid so
// workers collide.
func newDataPool(cfg SimConfig) (*DataPool, error) {
	issuer := auth.NewIssuer(cfg.JWTSecret)
	dp := &DataPool{
		Date:      time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
		finalized: make(map[string]int),
	}

	for i := 0; i < cfg.Patients; i++ {
		id := uuid.New()
		tok, err := issuer.Issue(auth.Identity{Role: auth.RoleUser, ID: id}, cfg.Duration+time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		dp.Patients = append(dp.Patients, Patient{ID: id, Token: tok})
	}
	for i := 0; i < cfg.Doctors; i++ {
		dp.Doctors = append(dp.Doctors, uuid.New())
	}
	start := time.Date(2000, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < cfg.SlotsPerDay; i++ {
		dp.Times = append(dp.Times, start.Add(time.Duration(i)*30*time.Minute).Format("03:04 PM"))
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.LockRatio:
				s.doLock(ctx, rng)
			case r < s.config.LockRatio+s.config.FinalizeRatio:
				s.doFinalize(ctx, rng)
			case r < s.config.LockRatio+s.config.FinalizeRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				s.doAvailability(ctx, rng)
			}
		}
	}
}

func (s *Simulator) pickSlot(rng *rand.Rand) (doctorID uuid.UUID, label, key string) {
	doctorID = s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	label = s.pool.Times[rng.Intn(len(s.pool.Times))]
	return doctorID, label, fmt.Sprintf("%s:%s:%s", doctorID, s.pool.Date, label)
}

func (s *Simulator) doLock(ctx context.Context, rng *rand.Rand) {
	doctorID, label, key := s.pickSlot(rng)
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/lock", patient.Token, map[string]string{
		"doctor_id": doctorID.String(),
		"date":      s.pool.Date,
		"time":      label,
	}, &out)

	success := err == nil && status == http.StatusCreated
	if success && out.ID != uuid.Nil {
		s.pool.AddHeld(heldLock{ID: out.ID, Patient: patient, SlotKey: key})
	}
	s.metrics.Lock.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doFinalize(ctx context.Context, rng *rand.Rand) {
	held, ok := s.pool.TakeHeld(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/finalize", held.Patient.Token, map[string]string{
		"lock_id":    held.ID.String(),
		"payment_id": "pay_sim_" + strconv.Itoa(rng.Int()),
	}, nil)

	success := err == nil && status == http.StatusOK
	if success {
		s.pool.RecordFinalized(held.SlotKey)
	}
	// 410: the window lapsed before payment, which is expected under load
	s.metrics.Finalize.Record(latency, success, status == http.StatusConflict || status == http.StatusGone)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	held, ok := s.pool.TakeHeld(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodPatch, "/lock/"+held.ID.String()+"/cancel", held.Patient.Token, nil, nil)
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	doctorID, label, _ := s.pickSlot(rng)
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	path := fmt.Sprintf("/slots/availability?doctor_id=%s&date=%s&time=%s", doctorID, s.pool.Date, strings.ReplaceAll(label, " ", "%20"))
	status, latency, err := s.call(ctx, http.MethodGet, path, patient.Token, nil, nil)
	s.metrics.Availability.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

// PrintReport prints the run summary and returns false when a slot was
// booked twice.
func (s *Simulator) PrintReport() bool {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Lock", &s.metrics.Lock)
	printOperationReport("Finalize", &s.metrics.Finalize)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)

	doubles := s.pool.DoubleBooked()
	if len(doubles) == 0 {
		fmt.Println("No double bookings observed.")
		return true
	}
	fmt.Printf("DOUBLE BOOKINGS: %d\n", len(doubles))
	for _, d := range doubles {
		fmt.Printf("  %s\n", d)
	}
	return false
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, minL, maxL, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), minL.Round(time.Millisecond), maxL.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
