package mvcc

import (
	"sync"
	"time"

	"github.com/ngaut/log"
	uatomic "go.uber.org/atomic"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/metrics"
	"github.com/yuhaijun999/dingo-store/kv/util/worker"
)

// TsSource is the coordinator's TSO endpoint: hand back a batch of count
// timestamps starting at (physical, logical).
type TsSource interface {
	TsoBatch(count uint32) (physical int64, logical int64, granted uint32, err error)
}

// TsProvider caches TSO timestamps in a lock-free list and refreshes them on
// a single background worker. GetTs never blocks on the network.
type TsProvider struct {
	list   *BatchTsList
	source TsSource
	conf   config.TsProvider

	renewWorker *worker.Worker
	renewEpoch  uatomic.Int64
	wg          sync.WaitGroup

	getCount  uatomic.Int64
	failCount uatomic.Int64
}

type renewTask struct {
	epoch int64
	done  chan struct{}
}

func NewTsProvider(source TsSource, conf config.TsProvider) *TsProvider {
	p := &TsProvider{
		list:   NewBatchTsList(conf.StaleIntervalMs, conf.CleanDeadMs),
		source: source,
		conf:   conf,
	}
	p.renewWorker = worker.NewWorker("ts-renew", &p.wg)
	return p
}

// Init starts the renew worker and primes the list with one batch.
func (p *TsProvider) Init() error {
	p.renewWorker.Start(p.handleRenew)
	p.LaunchRenew(true)
	return nil
}

func (p *TsProvider) Stop() {
	p.renewWorker.Stop()
	p.wg.Wait()
}

// GetTs returns a timestamp strictly greater than afterTs, or 0 after the
// retry budget is spent (the caller backs off and retries).
func (p *TsProvider) GetTs(afterTs uint64) uint64 {
	for retry := 0; retry < p.conf.MaxRetry; retry++ {
		ts := p.list.GetTs(afterTs)
		if ts > 0 {
			p.getCount.Inc()
			metrics.TsGetCounter.Inc()
			return ts
		}
		p.LaunchRenew(true)
	}

	log.Errorf("[ts_provider] get ts retry(%d) too much", p.conf.MaxRetry)
	p.failCount.Inc()
	metrics.TsGetFailCounter.Inc()
	return 0
}

// LaunchRenew schedules a renew on the worker. With sync=true it waits for
// the worker to finish the round.
func (p *TsProvider) LaunchRenew(sync bool) {
	task := &renewTask{epoch: p.renewEpoch.Load()}
	if sync {
		task.done = make(chan struct{})
	}
	p.renewWorker.Sender() <- task
	if sync {
		<-task.done
	}
}

// TriggerRenew asks for an async refresh, e.g. from a low-water callback.
func (p *TsProvider) TriggerRenew() {
	p.LaunchRenew(false)
}

func (p *TsProvider) DebugInfo() string {
	return p.list.DebugInfo()
}

func (p *TsProvider) handleRenew(t worker.Task) {
	task, ok := t.(*renewTask)
	if !ok {
		return
	}
	defer func() {
		if task.done != nil {
			close(task.done)
		}
	}()

	// Coalesce queued requests: a renew that already happened since the task
	// was created satisfies it.
	if task.epoch < p.renewEpoch.Load() {
		return
	}

	for retry := 0; retry < p.conf.RenewMaxRetry; retry++ {
		physical, logical, granted, err := p.source.TsoBatch(p.conf.BatchSize)
		if err != nil {
			log.Warnf("[ts_provider] tso request failed, retry %d: %v", retry, err)
			time.Sleep(2 * time.Millisecond)
			continue
		}
		p.list.Push(NewBatchTs(physical, logical, granted))
		p.renewEpoch.Inc()
		metrics.TsRenewCounter.Inc()
		p.list.CleanDead()
		return
	}

	log.Errorf("[ts_provider] renew retry(%d) too much", p.conf.RenewMaxRetry)
}
