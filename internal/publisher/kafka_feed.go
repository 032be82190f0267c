package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/odin-db/changefeed/internal/log"
	"github.com/odin-db/changefeed/internal/wire"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// WriteRecord is the wire shape of one storage write-log record: the
// shard's own encoding of a single row mutation, carried as a Kafka
// record value. It mirrors wire.Change's old/new index maps directly —
// a storage write already knows everywhere a row is indexed — plus the
// bare primary key and tag a LimitManager needs to mangle a window key.
type WriteRecord struct {
	Primary    wire.Datum              `json:"primary"`
	Tag        []byte                  `json:"tag,omitempty"`
	OldVal     wire.Datum              `json:"old_val,omitempty"`
	NewVal     wire.Datum              `json:"new_val,omitempty"`
	OldIndexes map[string][]wire.Datum `json:"old_indexes,omitempty"`
	NewIndexes map[string][]wire.Datum `json:"new_indexes,omitempty"`
}

// KafkaFeed turns a storage shard's write-log topic into calls against
// the Server owning that shard: one SendAll per (index, value) pair a
// record touches, and one Add/Del/Commit sequence per limit manager
// registered on an affected index. Grounded on the teacher's
// internal/shared/kafka.Consumer (poll loop, panic-recovered goroutine,
// graceful Stop) generalized from "broadcast raw bytes to websocket
// clients" to "replay a write-log record through the changefeed engine".
type KafkaFeed struct {
	client *kgo.Client
	server *Server
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// KafkaFeedConfig configures a KafkaFeed.
type KafkaFeedConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Server        *Server
	Logger        zerolog.Logger
}

// NewKafkaFeed creates a feed that will consume cfg.Topic once Start is
// called.
func NewKafkaFeed(cfg KafkaFeedConfig) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka feed: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka feed: consumer group is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka feed: topic is required")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("kafka feed: server is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka feed: failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaFeed{
		client: client,
		server: cfg.Server,
		logger: cfg.Logger.With().Str("component", "kafka_feed").Str("topic", cfg.Topic).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the poll loop in the background.
func (f *KafkaFeed) Start() {
	f.wg.Add(1)
	go f.pollLoop()
}

// Stop cancels the poll loop and waits for it to exit, then closes the
// underlying client.
func (f *KafkaFeed) Stop() {
	f.cancel()
	f.wg.Wait()
	f.client.Close()
}

func (f *KafkaFeed) pollLoop() {
	defer log.RecoverPanic(f.logger, "kafka_feed.pollLoop", nil)
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		fetches := f.client.PollFetches(f.ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			f.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka feed: fetch error")
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			f.processRecord(rec)
		})
	}
}

func (f *KafkaFeed) processRecord(rec *kgo.Record) {
	var wr WriteRecord
	if err := json.Unmarshal(rec.Value, &wr); err != nil {
		f.logger.Error().Err(err).Str("topic", rec.Topic).Msg("kafka feed: malformed write record")
		return
	}
	f.apply(&wr)
}

// apply replays one storage write through the changefeed engine: it
// builds the wire.Change broadcast to ordinary subscribers and drives
// every limit manager the write touches, per index.
func (f *KafkaFeed) apply(wr *WriteRecord) {
	oldIndexes := wr.OldIndexes
	if oldIndexes == nil {
		oldIndexes = map[string][]wire.Datum{}
	}
	newIndexes := wr.NewIndexes
	if newIndexes == nil {
		newIndexes = map[string][]wire.Datum{}
	}
	// The primary index's value never changes across a row's versions —
	// only whether the row existed before/after the write — so both
	// sides carry the same key when the row was present.
	if wr.OldVal != nil {
		oldIndexes[""] = []wire.Datum{wr.Primary}
	}
	if wr.NewVal != nil {
		newIndexes[""] = []wire.Datum{wr.Primary}
	}

	ch := &wire.Change{
		OldIndexes: oldIndexes,
		NewIndexes: newIndexes,
		OldVal:     wr.OldVal,
		NewVal:     wr.NewVal,
	}

	touched := map[string]struct{}{"": {}}
	for sindex := range oldIndexes {
		touched[sindex] = struct{}{}
	}
	for sindex := range newIndexes {
		touched[sindex] = struct{}{}
	}

	for sindex := range touched {
		for _, val := range dedupValues(oldIndexes[sindex], newIndexes[sindex]) {
			f.server.SendAll(ch, sindex, val)
		}
		f.driveLimitManagers(sindex, wr, oldIndexes[sindex], newIndexes[sindex])
	}
}

func dedupValues(a, b []wire.Datum) []wire.Datum {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]wire.Datum, 0, len(a)+len(b))
	for _, list := range [][]wire.Datum{a, b} {
		for _, v := range list {
			k := string(v)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// driveLimitManagers stages one Del per occurrence this row's old
// version had in sindex and one Add per occurrence its new version has,
// then commits every limit manager registered on sindex whose region
// could plausibly be affected (pkey nil: the row's membership in any
// one manager's region is decided by matchVal inside Add/Del, so every
// manager under this sindex needs a chance to see the write).
func (f *KafkaFeed) driveLimitManagers(sindex string, wr *WriteRecord, oldVals, newVals []wire.Datum) {
	if len(oldVals) == 0 && len(newVals) == 0 {
		return
	}

	f.server.ForeachLimit(sindex, nil, func(lm *LimitManager) error {
		for range oldVals {
			lm.Del(wr.Primary, wr.Tag)
		}
		for _, v := range newVals {
			sindexVal := v
			if sindex == "" {
				// Primary-keyed limits sort on the mangled primary alone.
				sindexVal = nil
			}
			lm.Add(wr.Primary, sindexVal, wr.NewVal, wr.Tag)
		}
		return nil
	})

	f.server.ForeachLimit(sindex, nil, func(lm *LimitManager) error {
		return lm.Commit(f.ctx)
	})
}
