package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
)

func TestPoint(t *testing.T) {
	t.Run("should tag action outcome and code", func(t *testing.T) {
		at := time.Unix(1700000000, 0)
		p := Point(Observation{
			Action:   "buy_tickets",
			Agent:    "0xabc",
			Success:  false,
			Code:     "ROUND_CLOSED",
			Attempts: 2,
			Duration: 1500 * time.Millisecond,
			At:       at,
		})

		line := write.PointToLineProtocol(p, time.Second)
		assert.True(t, strings.HasPrefix(line, "agent_action,action=buy_tickets,code=ROUND_CLOSED,outcome=error "), line)
		assert.Contains(t, line, "duration_ms=1500i")
		assert.Contains(t, line, "attempts=2i")
		assert.Contains(t, line, `agent="0xabc"`)
		assert.Contains(t, line, " 1700000000")
	})

	t.Run("should omit the code tag on success", func(t *testing.T) {
		p := Point(Observation{Action: "register", Success: true, At: time.Unix(1, 0)})

		line := write.PointToLineProtocol(p, time.Second)
		assert.NotContains(t, line, "code=")
		assert.Contains(t, line, "outcome=ok")
	})
}

func TestMemory(t *testing.T) {
	t.Run("should filter observations by action", func(t *testing.T) {
		var m Memory
		m.Observe(Observation{Action: "register"})
		m.Observe(Observation{Action: "cast_vote"})
		m.Observe(Observation{Action: "register"})

		assert.Len(t, m.Observations("register"), 2)
		assert.Len(t, m.Observations(""), 3)
	})
}
