// Package gaprepair implements the batch gap-repair job (C5): it
// dedups each 1m archive stream, backfills missing 1m ranges from the
// owning venue's public REST history, then regenerates any
// higher-interval bucket that can now be completed, skipping buckets
// that already exist or whose 1m population is still short.
package gaprepair

import (
	"context"
	"sort"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/tradecore/internal/aggregator"
	"github.com/ledgerline/tradecore/internal/archive"
	"github.com/ledgerline/tradecore/internal/schema"
	"github.com/ledgerline/tradecore/internal/telemetry"
	"github.com/ledgerline/tradecore/internal/venue"
)

const oneMinuteMs = 60_000

// maxEmptyWindows bounds how many consecutive empty REST responses a
// backfill will tolerate before concluding the venue never shipped
// bars in a range and moving on, rather than retrying forever.
const maxEmptyWindows = 3

// Job runs repair passes for one venue's instrument set against the
// shared archive.
type Job struct {
	venueClient venue.Instance
	store       *archive.Store
	concurrency int

	runsCounter       metric.Int64Counter
	backfilledCounter metric.Int64Counter
	dedupedCounter    metric.Int64Counter
}

// New constructs a gap-repair job for one venue. concurrency bounds
// how many symbols are repaired in parallel per run.
func New(venueClient venue.Instance, store *archive.Store, concurrency int) *Job {
	if concurrency <= 0 {
		concurrency = 4
	}
	meter := otel.Meter("gaprepair")
	runs, _ := meter.Int64Counter("gaprepair.runs",
		metric.WithDescription("Gap-repair runs started"), metric.WithUnit("{run}"))
	backfilled, _ := meter.Int64Counter("gaprepair.bars.backfilled",
		metric.WithDescription("Bars fetched from venue REST history to fill a gap"), metric.WithUnit("{bar}"))
	deduped, _ := meter.Int64Counter("gaprepair.bars.deduped",
		metric.WithDescription("Duplicate-timestamp members removed from a stream"), metric.WithUnit("{bar}"))

	return &Job{
		venueClient:       venueClient,
		store:             store,
		concurrency:       concurrency,
		runsCounter:       runs,
		backfilledCounter: backfilled,
		dedupedCounter:    deduped,
	}
}

// Run repairs every instrument's 1m stream and then its higher-interval
// streams, bounded to j.concurrency symbols in flight at once.
func (j *Job) Run(ctx context.Context) error {
	if j.runsCounter != nil {
		j.runsCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.ConnectionAttributes(telemetry.Environment(), string(j.venueClient.Name()), "running")...))
	}

	instruments := j.venueClient.Instruments()
	p := concpool.New().WithMaxGoroutines(j.concurrency).WithContext(ctx)
	for _, inst := range instruments {
		symbol := inst.Symbol
		p.Go(func(ctx context.Context) error {
			return j.repairSymbol(ctx, symbol)
		})
	}
	return p.Wait()
}

func (j *Job) repairSymbol(ctx context.Context, symbol string) error {
	if err := j.dedupeStream(ctx, symbol, "1m"); err != nil {
		return err
	}
	if err := j.backfillOneMinute(ctx, symbol); err != nil {
		return err
	}
	for _, interval := range aggregator.TargetIntervals {
		if err := j.dedupeStream(ctx, symbol, interval); err != nil {
			return err
		}
	}
	return j.regenerateHigherIntervals(ctx, symbol)
}

// dedupeStream groups a stream's members by timestamp and, wherever a
// timestamp has more than one member (a double-write under a race),
// keeps only the last one. This is the same replace-on-timestamp
// behavior PutBar already gives single writes; it repairs streams that
// predate that invariant or were written by an older process.
func (j *Job) dedupeStream(ctx context.Context, symbol, interval string) error {
	bars, err := j.store.GetBars(ctx, j.venueClient.Name(), symbol, interval, 0, maxTimestamp)
	if err != nil {
		return err
	}
	seen := make(map[int64]schema.KlinePayload, len(bars))
	dupCount := 0
	for _, bar := range bars {
		if _, exists := seen[bar.OpenTimeMs]; exists {
			dupCount++
		}
		seen[bar.OpenTimeMs] = bar // last wins
	}
	if dupCount == 0 {
		return nil
	}
	if j.dedupedCounter != nil {
		j.dedupedCounter.Add(ctx, int64(dupCount), metric.WithAttributes(
			telemetry.BarAttributes(telemetry.Environment(), string(j.venueClient.Name()), symbol, interval)...))
	}
	for _, bar := range seen {
		if err := j.store.PutBar(ctx, j.venueClient.Name(), symbol, interval, bar); err != nil {
			return err
		}
	}
	return nil
}

const maxTimestamp = int64(1) << 62

// backfillOneMinute finds gaps in the 1m stream (including a trailing
// gap up to the last fully-closed minute) and fetches the missing
// bars from the venue's public REST history.
func (j *Job) backfillOneMinute(ctx context.Context, symbol string) error {
	bars, err := j.store.GetBars(ctx, j.venueClient.Name(), symbol, "1m", 0, maxTimestamp)
	if err != nil {
		return err
	}
	sort.Slice(bars, func(i, k int) bool { return bars[i].OpenTimeMs < bars[k].OpenTimeMs })

	lastClosedMinute := (time.Now().UnixMilli() / oneMinuteMs) * oneMinuteMs
	var gaps [][2]int64
	for i := 0; i+1 < len(bars); i++ {
		gap := bars[i+1].OpenTimeMs - bars[i].OpenTimeMs
		if gap > oneMinuteMs {
			gaps = append(gaps, [2]int64{bars[i].OpenTimeMs + oneMinuteMs, bars[i+1].OpenTimeMs - oneMinuteMs})
		}
	}
	if len(bars) > 0 {
		last := bars[len(bars)-1].OpenTimeMs
		if lastClosedMinute-oneMinuteMs > last {
			gaps = append(gaps, [2]int64{last + oneMinuteMs, lastClosedMinute - oneMinuteMs})
		}
	}

	for _, gap := range gaps {
		if err := j.fillGap(ctx, symbol, gap[0], gap[1]); err != nil {
			return err
		}
	}
	return nil
}

// fillGap pages the venue's REST history across [start, end] and
// writes every returned bar. OKX clients are paged with a descending
// after-cursor; Binance clients page ascending with startTime. Both
// are expressed identically here since venue.HistoryRequest carries
// both cursor fields and each client only consumes the one it uses.
func (j *Job) fillGap(ctx context.Context, symbol string, startMs, endMs int64) error {
	emptyWindows := 0
	cursor := startMs
	for cursor <= endMs {
		if emptyWindows >= maxEmptyWindows {
			return nil
		}
		req := venue.HistoryRequest{
			Symbol:    symbol,
			Interval:  "1m",
			After:     cursor + oneMinuteMs*100,
			StartTime: cursor,
			EndTime:   endMs,
			Limit:     100,
		}
		bars, err := j.venueClient.HistoryCandles(ctx, req)
		if err != nil {
			return err
		}
		if len(bars) == 0 {
			emptyWindows++
			cursor += oneMinuteMs * 100
			continue
		}
		emptyWindows = 0
		for _, bar := range bars {
			if bar.TimestampMs < startMs || bar.TimestampMs > endMs {
				continue
			}
			payload := schema.KlinePayload{
				Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close,
				Volume: bar.Volume, Closed: true, OpenTimeMs: bar.TimestampMs,
			}
			if err := j.store.PutBar(ctx, j.venueClient.Name(), symbol, "1m", payload); err != nil {
				return err
			}
			if j.backfilledCounter != nil {
				j.backfilledCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.BarAttributes(telemetry.Environment(), string(j.venueClient.Name()), symbol, "1m")...))
			}
		}
		last := bars[0].TimestampMs
		for _, bar := range bars[1:] {
			if bar.TimestampMs > last {
				last = bar.TimestampMs
			}
		}
		if last <= cursor {
			break
		}
		cursor = last + oneMinuteMs
	}
	return nil
}

// regenerateHigherIntervals buckets the 1m stream by each target
// interval and emits any bucket whose population has reached the
// interval's multiplier and that does not already exist in the target
// stream. Buckets still short of their multiplier are left for the
// next run — the live aggregator's strict-completeness rule applies
// here too, just replayed after the fact instead of streaming.
func (j *Job) regenerateHigherIntervals(ctx context.Context, symbol string) error {
	oneMin, err := j.store.GetBars(ctx, j.venueClient.Name(), symbol, "1m", 0, maxTimestamp)
	if err != nil {
		return err
	}
	sort.Slice(oneMin, func(i, k int) bool { return oneMin[i].OpenTimeMs < oneMin[k].OpenTimeMs })

	for _, interval := range aggregator.TargetIntervals {
		if err := j.regenerateInterval(ctx, symbol, interval, oneMin); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) regenerateInterval(ctx context.Context, symbol, interval string, oneMin []schema.KlinePayload) error {
	multiplier := intervalMultiplier(interval)
	tMs := multiplier * oneMinuteMs

	// RangeBars, not GetBars: GetBars falls back to aggregating the 1m
	// stream whenever the dedicated interval stream is empty, which
	// would mark every bucket with any 1m coverage as already existing
	// on the very first repair run and skip the real write below.
	existing, err := j.store.RangeBars(ctx, j.venueClient.Name(), symbol, interval, 0, maxTimestamp)
	if err != nil {
		return err
	}
	existingTs := make(map[int64]bool, len(existing))
	for _, bar := range existing {
		existingTs[bar.OpenTimeMs] = true
	}

	buckets := make(map[int64][]schema.KlinePayload)
	for _, bar := range oneMin {
		period := (bar.OpenTimeMs / tMs) * tMs
		buckets[period] = append(buckets[period], bar)
	}

	for period, members := range buckets {
		if existingTs[period] {
			continue
		}
		dedup := make(map[int64]schema.KlinePayload, len(members))
		for _, m := range members {
			dedup[m.OpenTimeMs] = m
		}
		if int64(len(dedup)) < multiplier {
			continue
		}
		ordered := make([]schema.KlinePayload, 0, len(dedup))
		for _, m := range dedup {
			ordered = append(ordered, m)
		}
		sort.Slice(ordered, func(i, k int) bool { return ordered[i].OpenTimeMs < ordered[k].OpenTimeMs })

		agg := schema.KlinePayload{
			Open: ordered[0].Open, Close: ordered[len(ordered)-1].Close,
			High: ordered[0].High, Low: ordered[0].Low,
			Closed: true, OpenTimeMs: period,
		}
		for _, m := range ordered {
			if m.High > agg.High {
				agg.High = m.High
			}
			if m.Low < agg.Low {
				agg.Low = m.Low
			}
			agg.Volume += m.Volume
		}
		if err := j.store.PutBar(ctx, j.venueClient.Name(), symbol, interval, agg); err != nil {
			return err
		}
	}
	return nil
}

func intervalMultiplier(interval string) int64 {
	switch interval {
	case "5m":
		return 5
	case "15m":
		return 15
	case "30m":
		return 30
	case "1h":
		return 60
	case "4h":
		return 240
	case "8h":
		return 480
	default:
		return 0
	}
}
