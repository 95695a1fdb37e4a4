// Package netobserver is the Network Observer: a process-wide, long-lived
// object that samples speed, latency and connectivity and exposes a
// current quality grade plus a short-horizon prediction (spec.md §4.4,
// §9 "process-wide singleton state").
//
// Its internal concurrency idiom is the teacher's: a single sampling-loop
// goroutine driven by a time.Ticker, stopped via a closed channel and
// joined with a sync.WaitGroup — the same shape as internal/relay.Forwarder.
package netobserver

import (
	"log"
	"sync"
	"time"

	"github.com/trackshift/upload/pkg/events"
	"github.com/trackshift/upload/pkg/models"
)

// defaultSampleInterval matches spec.md §4.4's "default every 30s for
// bandwidth, every 30s for ping".
const defaultSampleInterval = 30 * time.Second

// Config configures an Observer.
type Config struct {
	SampleInterval time.Duration
}

func (c *Config) normalize() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleInterval
	}
}

// Observer ties the four sub-observers together and publishes transitions
// on the shared event bus.
type Observer struct {
	cfg Config
	bus *events.Bus

	speed     *SpeedMonitor
	quality   *QualityEvaluator
	stability *StabilityAnalyzer
	trend     *TrendPredictor

	mu          sync.RWMutex
	networkType models.NetworkType
	lastGrade   models.NetworkQualityGrade
	haveGrade   bool
	online      bool
	packetLoss  float64

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates an Observer. Call Start to begin its sampling loop.
func New(bus *events.Bus, cfg Config) *Observer {
	cfg.normalize()
	return &Observer{
		cfg:         cfg,
		bus:         bus,
		speed:       NewSpeedMonitor(),
		quality:     NewQualityEvaluator(),
		stability:   NewStabilityAnalyzer(),
		trend:       NewTrendPredictor(),
		networkType: models.NetworkUnknown,
		online:      true,
		closed:      make(chan struct{}),
	}
}

// Start launches the sampling-loop goroutine.
func (o *Observer) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.reevaluate(events.TopicSpeedTest)
			case <-o.closed:
				return
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (o *Observer) Stop() {
	close(o.closed)
	o.wg.Wait()
}

// RecordSpeedSample feeds one speed sample into the Speed Monitor.
func (o *Observer) RecordSpeedSample(s models.NetworkSample) {
	o.speed.Record(s)
}

// RecordLatencySample feeds one RTT sample (ms) into the Stability
// Analyzer and re-evaluates quality.
func (o *Observer) RecordLatencySample(ms float64) {
	o.stability.RecordRTT(ms)
	o.reevaluate(events.TopicPing)
}

// RecordPacketLoss updates the packet-loss percentage used by the Quality
// Evaluator.
func (o *Observer) RecordPacketLoss(percent float64) {
	o.mu.Lock()
	o.packetLoss = percent
	o.mu.Unlock()
	o.reevaluate(events.TopicQualityChange)
}

// RecordConnectivity reports an online/offline transition.
func (o *Observer) RecordConnectivity(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	o.mu.Unlock()
	if !changed {
		return
	}
	if online {
		o.stability.RecordEvent(EventOnline)
		o.bus.Publish(events.TopicOnline, struct{}{})
	} else {
		o.stability.RecordEvent(EventOffline)
		o.bus.Publish(events.TopicOffline, struct{}{})
	}
	o.reevaluate(events.TopicQualityChange)
}

// RecordNetworkType reports the coarse connection type (wifi/4g/...).
func (o *Observer) RecordNetworkType(t models.NetworkType) {
	o.mu.Lock()
	changed := o.networkType != t
	o.networkType = t
	o.mu.Unlock()
	if !changed {
		return
	}
	o.stability.RecordEvent(EventTypeChange)
	o.bus.Publish(events.TopicTypeChange, t)
	o.reevaluate(events.TopicQualityChange)
}

// reevaluate recomputes the quality grade and, if it changed since the
// last evaluation, publishes a dedup'd quality_change event.
func (o *Observer) reevaluate(sourceTopic events.Topic) {
	o.mu.RLock()
	networkType := o.networkType
	packetLoss := o.packetLoss
	o.mu.RUnlock()

	typeChanges, disconnections := o.stability.counts()
	in := QualityInputs{
		NetworkType:       networkType,
		AvgSpeedKbPerS:    o.speed.AverageSpeed(models.DirectionDown),
		LatencyMs:         o.latencyEstimate(),
		JitterMs:          o.stability.Jitter(),
		TypeChanges:       typeChanges,
		Disconnections:    disconnections,
		PacketLossPercent: packetLoss,
	}
	_, grade := o.quality.Evaluate(in)

	o.mu.Lock()
	changed := !o.haveGrade || o.lastGrade != grade
	o.lastGrade = grade
	o.haveGrade = true
	o.mu.Unlock()

	if sourceTopic == events.TopicSpeedTest {
		o.bus.Publish(events.TopicSpeedTest, in.AvgSpeedKbPerS)
	}
	if sourceTopic == events.TopicPing {
		o.bus.Publish(events.TopicPing, in.LatencyMs)
	}
	if changed {
		o.stability.RecordEvent(EventQualityChange)
		log.Printf("netobserver: quality grade changed to %s (score inputs: %+v)", grade, in)
		o.bus.Publish(events.TopicQualityChange, grade)
	}
}

func (o *Observer) latencyEstimate() float64 {
	samples := o.stability.rtts.snapshot()
	if len(samples) == 0 {
		return 0
	}
	return samples[len(samples)-1]
}

// CurrentGrade returns the most recently computed quality grade.
func (o *Observer) CurrentGrade() models.NetworkQualityGrade {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastGrade
}

// Predict returns the Trend Predictor's forward-looking estimate using the
// recorded download-speed and latency history.
func (o *Observer) Predict(horizonMs int64) models.NetworkPrediction {
	speedSamples := o.speed.Samples(models.DirectionDown)
	speedHistory := make([]float64, len(speedSamples))
	for i, s := range speedSamples {
		speedHistory[i] = s.SpeedKbPerS
	}
	latencyHistory := o.stability.rtts.snapshot()

	o.mu.RLock()
	networkType := o.networkType
	o.mu.RUnlock()

	return o.trend.Predict(speedHistory, latencyHistory, networkType, horizonMs)
}

// IsStable reports the Stability Analyzer's current verdict.
func (o *Observer) IsStable() bool {
	return o.stability.IsStable()
}

// Subscribe exposes the shared event bus to callers (the Upload
// Coordinator watches quality_change and online) without handing out the
// Bus itself.
func (o *Observer) Subscribe(topic events.Topic) <-chan any {
	return o.bus.Subscribe(topic)
}

// Unsubscribe releases a channel previously returned by Subscribe.
func (o *Observer) Unsubscribe(topic events.Topic, ch <-chan any) {
	o.bus.Unsubscribe(topic, ch)
}
