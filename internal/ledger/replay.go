package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/store"
	"github.com/terminal-bench/agentworld/pkg/decimal"
)

const scanChunk = 500

// RebuildReport summarizes a leaderboard rebuild.
type RebuildReport struct {
	Events    int      `json:"events"`
	Agents    int      `json:"agents"`
	Corrected []string `json:"corrected"`
}

// scanEvents walks the global event log in append order.
func (l *Ledger) scanEvents(ctx context.Context, fn func(raw string) error) (int, error) {
	var n int
	for start := int64(0); ; start += scanChunk {
		opCtx, cancel := l.store.Context(ctx)
		chunk, err := l.store.Client().LRange(opCtx, l.store.LedgerEventsKey(), start, start+scanChunk-1).Result()
		cancel()
		if err != nil {
			return n, store.Unavailable(err)
		}
		for _, raw := range chunk {
			if err := fn(raw); err != nil {
				return n, err
			}
			n++
		}
		if len(chunk) < scanChunk {
			return n, nil
		}
	}
}

// Rebuild recomputes every agent's reward total and leaderboard score by
// replaying the global event log. Run it with the gateway drained: credits
// applied during the replay are not accounted for.
func (l *Ledger) Rebuild(ctx context.Context) (RebuildReport, error) {
	totals := make(map[string]decimal.Amount)
	count, err := l.scanEvents(ctx, func(raw string) error {
		var ev RewardEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return fmt.Errorf("decode reward event: %w", err)
		}
		totals[ev.Agent] = totals[ev.Agent].Add(ev.Amount)
		return nil
	})
	if err != nil {
		return RebuildReport{}, err
	}

	opCtx, cancel := l.store.Context(ctx)
	agents, err := l.store.Client().SMembers(opCtx, l.store.AgentsKey()).Result()
	cancel()
	if err != nil {
		return RebuildReport{}, store.Unavailable(err)
	}

	report := RebuildReport{Events: count, Agents: len(agents), Corrected: []string{}}
	for _, agent := range agents {
		stored, err := l.Total(ctx, agent)
		if err != nil {
			return report, err
		}
		want := totals[agent]
		if !stored.Equal(want) {
			report.Corrected = append(report.Corrected, agent)
			l.logger.Printf("ledger: rebuild corrected %s from %s to %s", agent, stored, want)
		}

		opCtx, cancel := l.store.Context(ctx)
		_, err = l.store.Client().TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
			pipe.HSet(opCtx, l.store.AgentKey(agent), store.FieldTotalRewards, want.String())
			pipe.ZAdd(opCtx, l.store.LeaderboardKey(), redis.Z{Score: want.Float64(), Member: agent})
			return nil
		})
		cancel()
		if err != nil {
			return report, store.Unavailable(err)
		}
	}
	return report, nil
}

// Export streams the global event log to w as zstd-compressed JSON lines and
// returns the number of events written.
func (l *Ledger) Export(ctx context.Context, w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)
	n, err := l.scanEvents(ctx, func(raw string) error {
		if _, err := bw.WriteString(raw); err != nil {
			return err
		}
		return bw.WriteByte('\n')
	})
	if err != nil {
		enc.Close()
		return n, err
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// ReadExport decodes an export produced by Export, calling fn per event.
func ReadExport(r io.Reader, fn func(RewardEvent) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev RewardEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode reward event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}
