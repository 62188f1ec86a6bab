// Package archive implements the historical-bar archive (C4): a
// Redis sorted-set-per-stream store keyed `kline:{venue}:{symbol}:{interval}`,
// with a score of the bar's open-time in milliseconds so range queries
// and latest-N reads are native ZRANGE operations. Each stream carries
// its own retention cap and TTL; writes trim the set to the cap and
// refresh the TTL under the same pipeline as the ZADD.
package archive

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/tradecore/internal/errs"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/telemetry"
)

// Retention caps the number of bars kept per stream and how long an
// idle stream's key survives before Redis reclaims it.
type Retention struct {
	MaxBars int
	TTL     time.Duration
}

// Config configures the archive's retention policy per interval.
type Config struct {
	PerInterval map[string]Retention
}

func (c Config) retentionFor(interval string) Retention {
	if r, ok := c.PerInterval[interval]; ok {
		return r
	}
	return Retention{MaxBars: 86_400, TTL: 60 * 24 * time.Hour}
}

// DefaultConfig matches the caps and TTLs every stream is provisioned
// with: roughly two months of history at every interval except 1h,
// which is kept six months given how widely strategies window on it.
func DefaultConfig() Config {
	twoMonths := 60 * 24 * time.Hour
	sixMonths := 182 * 24 * time.Hour
	return Config{
		PerInterval: map[string]Retention{
			"1m":  {MaxBars: 86_400, TTL: twoMonths},
			"5m":  {MaxBars: 17_280, TTL: twoMonths},
			"15m": {MaxBars: 5_760, TTL: twoMonths},
			"30m": {MaxBars: 2_880, TTL: twoMonths},
			"1h":  {MaxBars: 4_320, TTL: sixMonths},
			"4h":  {MaxBars: 360, TTL: twoMonths},
			"8h":  {MaxBars: 180, TTL: twoMonths},
		},
	}
}

// Store persists closed bars into Redis sorted sets, one per stream.
type Store struct {
	rdb *redis.Client
	cfg Config

	latestTimestampsScript *redis.Script

	writesCounter  metric.Int64Counter
	trimmedCounter metric.Int64Counter
	readDuration   metric.Float64Histogram
}

// New constructs a Store bound to an already-dialed Redis client.
func New(rdb *redis.Client, cfg Config) *Store {
	meter := otel.Meter("archive")
	writes, _ := meter.Int64Counter("archive.bars.written",
		metric.WithDescription("Bars written to the archive"), metric.WithUnit("{bar}"))
	trimmed, _ := meter.Int64Counter("archive.bars.trimmed",
		metric.WithDescription("Bars trimmed past the retention cap"), metric.WithUnit("{bar}"))
	readDur, _ := meter.Float64Histogram("archive.read.duration",
		metric.WithDescription("Archive read latency"), metric.WithUnit("ms"))

	return &Store{
		rdb:                    rdb,
		cfg:                    cfg,
		latestTimestampsScript: redis.NewScript(batchLatestTimestampsScript),
		writesCounter:          writes,
		trimmedCounter:         trimmed,
		readDuration:           readDur,
	}
}

func streamKey(venue schema.Venue, symbol, interval string) string {
	return fmt.Sprintf("kline:%s:%s:%s", venue, symbol, interval)
}

// member is the self-describing JSON payload stored as the sorted-set
// member, readable by any consumer scanning the archive directly
// without going through Store.
type member struct {
	Type      string  `json:"type"`
	Venue     string  `json:"venue"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// PutBar writes one closed bar, trims the stream to its retention cap,
// and refreshes the key's TTL. Re-ingesting a bar at a timestamp
// already present replaces the prior member (a ZREMRANGEBYSCORE at the
// exact score precedes the ZADD in the same pipeline), which is the
// correct behavior for late-arriving canonical bars from gap repair.
func (s *Store) PutBar(ctx context.Context, venue schema.Venue, symbol, interval string, bar schema.KlinePayload) error {
	if !bar.Closed {
		return errs.New("", errs.Local, errs.WithMessage("archive: refusing to persist an unclosed bar"))
	}
	retention := s.cfg.retentionFor(interval)
	key := streamKey(venue, symbol, interval)

	payload, err := json.Marshal(member{
		Type: "kline", Venue: string(venue), Symbol: symbol, Interval: interval, Timestamp: bar.OpenTimeMs,
		Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close, Volume: bar.Volume,
	})
	if err != nil {
		return errs.New("", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	score := float64(bar.OpenTimeMs)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, fmt.Sprintf("%d", bar.OpenTimeMs), fmt.Sprintf("%d", bar.OpenTimeMs))
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(payload)})
	trim := pipe.ZRemRangeByRank(ctx, key, 0, int64(-retention.MaxBars)-1)
	if retention.TTL > 0 {
		pipe.Expire(ctx, key, retention.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New("", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}

	if s.writesCounter != nil {
		s.writesCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.BarAttributes(telemetry.Environment(), string(venue), symbol, interval)...))
	}
	if n, err := trim.Result(); err == nil && n > 0 && s.trimmedCounter != nil {
		s.trimmedCounter.Add(ctx, n, metric.WithAttributes(
			telemetry.BarAttributes(telemetry.Environment(), string(venue), symbol, interval)...))
	}
	return nil
}

// GetBars returns bars in [startMs, endMs) ascending by open time. When
// interval is not "1m" and the dedicated stream is empty, it falls
// back to aggregating from the 1m stream over the same window —
// read-time presentation only, with no completeness gating: any bars
// actually present in a bucket are folded, unlike the aggregator's
// archive write path.
func (s *Store) GetBars(ctx context.Context, venue schema.Venue, symbol, interval string, startMs, endMs int64) ([]schema.KlinePayload, error) {
	start := time.Now()
	defer func() {
		if s.readDuration != nil {
			s.readDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(
				telemetry.BarAttributes(telemetry.Environment(), string(venue), symbol, interval)...))
		}
	}()

	bars, err := s.RangeBars(ctx, venue, symbol, interval, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 || interval == "1m" {
		return bars, nil
	}

	oneMin, err := s.RangeBars(ctx, venue, symbol, "1m", startMs, endMs)
	if err != nil || len(oneMin) == 0 {
		return bars, nil
	}
	return aggregatePermissive(oneMin, interval), nil
}

// RangeBars reads bars in [startMs, endMs) directly from the dedicated
// stream for (venue, symbol, interval), with no cross-interval
// aggregation fallback. Callers that need to know whether a bucket is
// genuinely present in its own stream — rather than merely
// presentable by folding 1m bars at read time — must use this instead
// of GetBars.
func (s *Store) RangeBars(ctx context.Context, venue schema.Venue, symbol, interval string, startMs, endMs int64) ([]schema.KlinePayload, error) {
	key := streamKey(venue, symbol, interval)
	raw, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", startMs),
		Max: fmt.Sprintf("(%d", endMs),
	}).Result()
	if err != nil {
		return nil, errs.New("", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}
	out := make([]schema.KlinePayload, 0, len(raw))
	for _, entry := range raw {
		bar, openTimeMs, err := decodeMember(entry)
		if err != nil {
			continue
		}
		bar.Closed = true
		bar.OpenTimeMs = openTimeMs
		out = append(out, bar)
	}
	return out, nil
}

// aggregatePermissive folds ascending 1m bars into interval-sized
// buckets without requiring every constituent minute to be present.
func aggregatePermissive(oneMin []schema.KlinePayload, interval string) []schema.KlinePayload {
	tMs := targetIntervalMs(interval)
	if tMs == 0 {
		return nil
	}
	var out []schema.KlinePayload
	var cur *schema.KlinePayload
	var curPeriod int64 = -1
	for _, bar := range oneMin {
		period := (bar.OpenTimeMs / tMs) * tMs
		if cur == nil || period != curPeriod {
			if cur != nil {
				out = append(out, *cur)
			}
			b := bar
			b.OpenTimeMs = period
			cur = &b
			curPeriod = period
			continue
		}
		if bar.High > cur.High {
			cur.High = bar.High
		}
		if bar.Low < cur.Low {
			cur.Low = bar.Low
		}
		cur.Close = bar.Close
		cur.Volume += bar.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func targetIntervalMs(interval string) int64 {
	switch interval {
	case "5m":
		return 5 * 60_000
	case "15m":
		return 15 * 60_000
	case "30m":
		return 30 * 60_000
	case "1h":
		return 60 * 60_000
	case "4h":
		return 240 * 60_000
	case "8h":
		return 480 * 60_000
	default:
		return 0
	}
}

// GetLatest returns the most recent n bars for a stream, ascending.
func (s *Store) GetLatest(ctx context.Context, venue schema.Venue, symbol, interval string, n int64) ([]schema.KlinePayload, error) {
	key := streamKey(venue, symbol, interval)
	raw, err := s.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, errs.New("", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}
	if int64(len(raw)) > n {
		raw = raw[:n]
	}
	out := make([]schema.KlinePayload, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		bar, openTimeMs, err := decodeMember(raw[i])
		if err != nil {
			continue
		}
		bar.Closed = true
		bar.OpenTimeMs = openTimeMs
		out = append(out, bar)
	}
	return out, nil
}

func decodeMember(entry string) (schema.KlinePayload, int64, error) {
	var m member
	if err := json.Unmarshal([]byte(entry), &m); err != nil {
		return schema.KlinePayload{}, 0, errs.New("", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithCause(err))
	}
	return schema.KlinePayload{Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume}, m.Timestamp, nil
}

// batchLatestTimestampsScript returns the score (open-time ms) of the
// newest member in each of the given sorted-set keys, or -1 for a
// stream that does not exist yet.
const batchLatestTimestampsScript = `
local out = {}
for i, key in ipairs(KEYS) do
  local top = redis.call('ZREVRANGE', key, 0, 0, 'WITHSCORES')
  if #top == 0 then
    out[i] = -1
  else
    out[i] = tonumber(top[2])
  end
end
return out
`

// BatchLatestTimestamps returns, for each symbol, the open-time of the
// newest archived bar for (venue, symbol, interval), or -1 if the
// stream is empty. Run via EvalSha; go-redis transparently falls back
// to Eval on a NOSCRIPT reply. Used by gap repair to decide
// where to resume backfill per stream without a round trip per symbol.
func (s *Store) BatchLatestTimestamps(ctx context.Context, venue schema.Venue, symbols []string, interval string) (map[string]int64, error) {
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = streamKey(venue, sym, interval)
	}
	res, err := s.latestTimestampsScript.Run(ctx, s.rdb, keys).Result()
	if err != nil {
		return nil, errs.New("", errs.Transient, errs.WithCanonicalCode(errs.CanonicalNetwork), errs.WithCause(err))
	}
	values, ok := res.([]any)
	if !ok {
		return nil, errs.New("", errs.Local, errs.WithCanonicalCode(errs.CanonicalDecodeFailure), errs.WithMessage("unexpected script result shape"))
	}
	out := make(map[string]int64, len(symbols))
	for i, sym := range symbols {
		if i >= len(values) {
			break
		}
		v, _ := values[i].(int64)
		out[sym] = v
	}
	return out, nil
}
