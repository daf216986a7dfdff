package runner

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ngaut/log"
	"golang.org/x/time/rate"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/metrics"
	"github.com/yuhaijun999/dingo-store/kv/region"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/util/worker"
)

// Coordinator is the slice of the cluster coordinator the split checker
// consumes: it dedupes SplitRegion requests on its side.
type Coordinator interface {
	SplitRegion(regionID uint64, splitKey []byte) error
	IsClusterReadOnly() bool
}

// SplitChecker picks a split key while walking a merged multi-CF stream.
type SplitChecker interface {
	// SplitKey walks [encStart, encEnd) of the given column families and
	// returns the chosen encoded split key (empty = no split), the logically
	// distinct key count and the accumulated size.
	SplitKey(it *MergedIterator, encStart []byte) (splitKey []byte, keyCount uint32, size uint64)
	PolicyName() config.SplitPolicy
}

// BuildSplitChecker instantiates the configured policy.
func BuildSplitChecker(conf *config.Split) SplitChecker {
	switch conf.Policy {
	case config.SplitPolicySize:
		return &sizeSplitChecker{splitSize: conf.RegionMaxSize, splitRatio: conf.SizeRatio}
	case config.SplitPolicyKeys:
		return &keysSplitChecker{keysNumber: conf.KeysNumber, keysRatio: conf.KeysRatio}
	default:
		return &halfSplitChecker{thresholdSize: conf.RegionMaxSize, chunkSize: conf.ChunkSize}
	}
}

// halfSplitChecker remembers a candidate every chunkSize bytes and splits at
// the middle candidate once the region is over the threshold. Walks physical
// keys, multi-version included.
type halfSplitChecker struct {
	thresholdSize uint64
	chunkSize     uint64
}

func (c *halfSplitChecker) PolicyName() config.SplitPolicy { return config.SplitPolicyHalf }

func (c *halfSplitChecker) SplitKey(it *MergedIterator, encStart []byte) ([]byte, uint32, uint64) {
	var (
		size      uint64
		chunk     uint64
		count     uint32
		prevKey   []byte
		keys      [][]byte
		overLimit bool
	)
	for it.Seek(encStart); it.Valid(); it.Next() {
		kvSize := uint64(it.KeyValueSize())
		size += kvSize
		chunk += kvSize
		if chunk >= c.chunkSize {
			chunk = 0
			keys = append(keys, append([]byte(nil), it.Key()...))
		}
		if size >= c.thresholdSize {
			overLimit = true
		}
		if !bytes.Equal(prevKey, it.Key()) {
			prevKey = append(prevKey[:0], it.Key()...)
			count++
		}
	}
	if !overLimit || len(keys) == 0 {
		return nil, count, size
	}
	return keys[len(keys)/2], count, size
}

// sizeSplitChecker splits at the first key past threshold*ratio, committing
// once the whole region passes the threshold.
type sizeSplitChecker struct {
	splitSize  uint64
	splitRatio float64
}

func (c *sizeSplitChecker) PolicyName() config.SplitPolicy { return config.SplitPolicySize }

func (c *sizeSplitChecker) SplitKey(it *MergedIterator, encStart []byte) ([]byte, uint32, uint64) {
	var (
		size     uint64
		count    uint32
		prevKey  []byte
		splitKey []byte
		isSplit  bool
	)
	splitPos := uint64(float64(c.splitSize) * c.splitRatio)
	for it.Seek(encStart); it.Valid(); it.Next() {
		size += uint64(it.KeyValueSize())
		if splitKey == nil && size >= splitPos {
			splitKey = append([]byte(nil), it.Key()...)
		} else if size >= c.splitSize {
			isSplit = true
		}
		if !bytes.Equal(prevKey, it.Key()) {
			prevKey = append(prevKey[:0], it.Key()...)
			count++
		}
	}
	if !isSplit {
		return nil, count, size
	}
	return splitKey, count, size
}

// keysSplitChecker counts logically distinct keys, splitting at the
// keysNumber*ratio-th key once keysNumber is reached.
type keysSplitChecker struct {
	keysNumber uint64
	keysRatio  float64
}

func (c *keysSplitChecker) PolicyName() config.SplitPolicy { return config.SplitPolicyKeys }

func (c *keysSplitChecker) SplitKey(it *MergedIterator, encStart []byte) ([]byte, uint32, uint64) {
	var (
		size     uint64
		count    uint32
		distinct uint64
		prevKey  []byte
		splitKey []byte
		isSplit  bool
	)
	splitNumber := uint64(float64(c.keysNumber) * c.keysRatio)
	for it.Seek(encStart); it.Valid(); it.Next() {
		if !bytes.Equal(prevKey, it.Key()) {
			prevKey = append(prevKey[:0], it.Key()...)
			distinct++
			count++
		}
		size += uint64(it.KeyValueSize())
		if splitKey == nil && distinct >= splitNumber {
			splitKey = append([]byte(nil), it.Key()...)
		} else if distinct >= c.keysNumber {
			isSplit = true
		}
	}
	if !isSplit {
		return nil, count, size
	}
	return splitKey, count, size
}

// SplitCheckTask is one region walk queued on the check workers.
type SplitCheckTask struct {
	Region *region.Region
}

// SplitCheckWorkers runs split checks on a fixed pool, one region at a time,
// with a per-region exclusion set so the same region is never walked twice
// concurrently.
type SplitCheckWorkers struct {
	conf    *config.Split
	storage *raw.Storage
	coord   Coordinator

	// BuildRunning reports whether a vector index build is running for the
	// region; splits wait those out.
	BuildRunning func(regionID uint64) bool

	workers []*worker.Worker
	offset  int
	wg      sync.WaitGroup

	mu       sync.Mutex
	checking map[uint64]struct{}

	limiter *rate.Limiter
}

func NewSplitCheckWorkers(conf *config.Split, storage *raw.Storage, coord Coordinator) *SplitCheckWorkers {
	sw := &SplitCheckWorkers{
		conf:     conf,
		storage:  storage,
		coord:    coord,
		checking: make(map[uint64]struct{}),
	}
	if conf.WalkBytesPerSec > 0 {
		sw.limiter = rate.NewLimiter(rate.Limit(conf.WalkBytesPerSec), conf.WalkBytesPerSec)
	}
	for i := 0; i < conf.CheckWorkerNum; i++ {
		w := worker.NewWorker("split-check", &sw.wg)
		w.Start(sw.handleTask)
		sw.workers = append(sw.workers, w)
	}
	return sw
}

func (sw *SplitCheckWorkers) Stop() {
	for _, w := range sw.workers {
		w.Stop()
	}
	sw.wg.Wait()
}

// Execute queues a check unless the region is already being checked.
func (sw *SplitCheckWorkers) Execute(task *SplitCheckTask) bool {
	sw.mu.Lock()
	if _, ok := sw.checking[task.Region.ID()]; ok {
		sw.mu.Unlock()
		return false
	}
	sw.checking[task.Region.ID()] = struct{}{}
	sw.mu.Unlock()

	sw.workers[sw.offset].Sender() <- task
	sw.offset = (sw.offset + 1) % len(sw.workers)
	return true
}

func (sw *SplitCheckWorkers) doneChecking(regionID uint64) {
	sw.mu.Lock()
	delete(sw.checking, regionID)
	sw.mu.Unlock()
}

func (sw *SplitCheckWorkers) handleTask(t worker.Task) {
	task, ok := t.(*SplitCheckTask)
	if !ok {
		return
	}
	defer sw.doneChecking(task.Region.ID())
	sw.splitCheck(task.Region)
}

// cfNamesFor picks the families a region's data lives in.
func cfNamesFor(r *region.Region) []string {
	if r.Prefix() == codec.PrefixTxn {
		return engine_util.TxnCFs[:]
	}
	return engine_util.RawCFs[:]
}

// splitCheck walks the region, picks a split key, revalidates and dispatches
// exactly one SplitRegion request. Best effort: a negative result is logged
// and skipped.
func (sw *SplitCheckWorkers) splitCheck(r *region.Region) {
	start := time.Now()
	epoch := r.Epoch()
	startKey, endKey := r.Range()
	encStart, encEnd := codec.EncodeRange(r.Prefix(), r.PartitionID(), startKey, endKey)
	cfNames := cfNamesFor(r)

	checker := BuildSplitChecker(sw.conf)
	it := NewMergedIterator(sw.storage, cfNames, encEnd)
	defer it.Close()
	if sw.limiter != nil {
		// Pace walk starts so concurrent checks do not pile their IO spikes;
		// reserving the burst up front bounds the aggregate walk rate.
		_ = sw.limiter.WaitN(context.Background(), sw.limiter.Burst())
	}

	encSplitKey, keyCount, size := checker.SplitKey(it, encStart)
	metrics.SplitCheckDuration.Observe(time.Since(start).Seconds())

	// The walk doubles as the region stats refresher.
	if keyCount > 0 {
		r.SetKeyCount(uint64(keyCount))
	}
	if size > 0 {
		r.SetApproximateSize(size)
	}

	var plainSplitKey []byte
	if len(encSplitKey) > 0 {
		// Truncate to the user key so all versions of one key stay in one
		// region.
		_, _, userKey, _, err := codec.DecodeKey(encSplitKey)
		if err != nil {
			log.Errorf("[split.check][region(%d)] decode split key %s failed: %v",
				r.ID(), hex.EncodeToString(encSplitKey), err)
			return
		}
		plainSplitKey = append([]byte(nil), userKey...)
	}

	needSplit := true
	reason := ""
	switch {
	case len(plainSplitKey) == 0:
		needSplit, reason = false, "split key is empty"
	case r.Epoch().Version != epoch.Version:
		needSplit, reason = false, "region version change"
	case !r.CheckKeyInRange(plainSplitKey):
		needSplit, reason = false, "invalid split key, not in region range"
	case r.DisableSplit():
		needSplit, reason = false, "region disable split"
	case r.State() != region.StateNormal:
		needSplit, reason = false, "region state is not normal"
	case sw.BuildRunning != nil && sw.BuildRunning(r.ID()):
		needSplit, reason = false, "vector index build running"
	case sw.coord.IsClusterReadOnly():
		needSplit, reason = false, "cluster is read-only"
	}

	log.Infof("[split.check][region(%d)] result(%v) reason(%s) policy(%s) split_key(%s) epoch(%s) size(%d) keys(%d) elapsed(%s)",
		r.ID(), needSplit, reason, checker.PolicyName(), hex.EncodeToString(plainSplitKey),
		epoch, size, keyCount, time.Since(start))
	if !needSplit {
		return
	}

	if err := sw.coord.SplitRegion(r.ID(), plainSplitKey); err != nil {
		log.Warnf("[split.check][region(%d)] send SplitRegion failed: %v", r.ID(), err)
		return
	}
	metrics.SplitDispatchCounter.Inc()
}

// PreSplitChecker drives periodic split checking: every tick it filters the
// alive regions by cheap criteria and queues the survivors for a full walk.
type PreSplitChecker struct {
	conf     *config.Config
	registry *region.Registry
	workers  *SplitCheckWorkers
	coord    Coordinator

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPreSplitChecker(conf *config.Config, registry *region.Registry, workers *SplitCheckWorkers, coord Coordinator) *PreSplitChecker {
	return &PreSplitChecker{
		conf:     conf,
		registry: registry,
		workers:  workers,
		coord:    coord,
		stopCh:   make(chan struct{}),
	}
}

func (p *PreSplitChecker) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.conf.Split.CheckTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()
}

func (p *PreSplitChecker) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Tick runs one pre-check round; exported for tests and manual triggers.
func (p *PreSplitChecker) Tick() { p.tick() }

func (p *PreSplitChecker) tick() {
	if !p.conf.EnableAutoSplit {
		log.Debug("[split.check] auto split disabled")
		return
	}
	if p.coord.IsClusterReadOnly() {
		log.Info("[split.check] cluster is read-only, suspend all split checks")
		return
	}
	for _, r := range p.registry.All() {
		needCheck := true
		reason := ""
		switch {
		case r.State() != region.StateNormal:
			needCheck, reason = false, "region state is not normal"
		case r.DisableSplit():
			needCheck, reason = false, "region is disable split"
		case r.ApproximateSize() < p.conf.Split.CheckApproximateSize:
			needCheck, reason = false, "region approximate size too small"
		case p.workers.BuildRunning != nil && p.workers.BuildRunning(r.ID()):
			needCheck, reason = false, "vector index build running"
		}
		if !needCheck {
			log.Debugf("[split.check][region(%d)] presplit skip: %s", r.ID(), reason)
			continue
		}
		if !p.workers.Execute(&SplitCheckTask{Region: r}) {
			log.Debugf("[split.check][region(%d)] already checking", r.ID())
		}
	}
}
